package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T) *ContentFilter {
	t.Helper()
	rules, err := LoadRules("")
	require.NoError(t, err)
	return NewContentFilter(rules, true)
}

func TestFilterInputBlocksOverLength(t *testing.T) {
	f := newTestFilter(t)
	res := f.FilterInput(strings.Repeat("啊", 2001))
	assert.False(t, res.IsSafe)
	assert.Equal(t, ActionBlock, res.Action)
	assert.Contains(t, res.Reason, "2000")

	res = f.FilterInput(strings.Repeat("啊", 2000))
	assert.True(t, res.IsSafe)
}

func TestFilterInputCrisisTakesPriority(t *testing.T) {
	f := newTestFilter(t)
	res := f.FilterInput("我在赌博输光了，不想活了")
	assert.False(t, res.IsSafe)
	assert.Equal(t, ActionRedirect, res.Action)
	assert.Equal(t, "crisis_detected", res.Reason)
	assert.Equal(t, f.CrisisResponse(), res.ModifiedContent)
	assert.NotEmpty(t, res.ModifiedContent)
}

func TestFilterInputTopics(t *testing.T) {
	f := newTestFilter(t)

	blocked := f.FilterInput("哪里可以赌博")
	assert.Equal(t, ActionRedirect, blocked.Action)
	assert.Equal(t, "blocked_topic:赌博", blocked.Reason)
	assert.Equal(t, defaultRedirectMessage, blocked.ModifiedContent)

	warned := f.FilterInput("昨晚又熬夜了")
	assert.True(t, warned.IsSafe)
	assert.Equal(t, ActionWarn, warned.Action)

	plain := f.FilterInput("你好")
	assert.Equal(t, ActionAllow, plain.Action)
}

func TestFilterInputDisabled(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	f := NewContentFilter(rules, false)
	assert.Equal(t, ActionAllow, f.FilterInput("不想活了").Action)
}

func TestFilterOutputMasksPersonalInfo(t *testing.T) {
	f := newTestFilter(t)
	res := f.FilterOutput("我的手机13812345678，邮箱 me@example.com，身份证11010519491231002X")
	assert.True(t, res.IsSafe)
	assert.Equal(t, "我的手机1**********，邮箱 ***@***.***，身份证******************", res.ModifiedContent)

	clean := f.FilterOutput("今天天气不错")
	assert.Empty(t, clean.ModifiedContent)
}

func TestFilterOutputTruncates(t *testing.T) {
	f := newTestFilter(t)
	res := f.FilterOutput(strings.Repeat("好", 1200))
	require.NotEmpty(t, res.ModifiedContent)
	assert.Equal(t, strings.Repeat("好", 1000)+"...", res.ModifiedContent)
}

func TestRateLimiterPerMinute(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewRateLimiter(RateRules{PerMinute: 5, PerHour: 100, PerDay: 1000}, 100, clock)

	for i := 0; i < 5; i++ {
		ok, msg := l.Check("u1")
		require.True(t, ok, "call %d", i)
		assert.Empty(t, msg)
		now = now.Add(10 * time.Second)
	}
	ok, msg := l.Check("u1")
	assert.False(t, ok)
	assert.Equal(t, "你发消息太快啦，让我喘口气~", msg)

	ok, _ = l.Check("u2")
	assert.True(t, ok, "other users are unaffected")

	now = now.Add(20 * time.Second)
	ok, _ = l.Check("u1")
	assert.True(t, ok, "oldest entry left the minute window")
}

func TestRateLimiterResetAndHourWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewRateLimiter(RateRules{PerMinute: 100, PerHour: 3, PerDay: 1000}, 100, clock)

	for i := 0; i < 3; i++ {
		ok, _ := l.Check("u1")
		require.True(t, ok)
		now = now.Add(2 * time.Minute)
	}
	ok, msg := l.Check("u1")
	assert.False(t, ok)
	assert.Equal(t, "这一小时聊得太多啦，休息一下吧~", msg)

	l.Reset("u1")
	ok, _ = l.Check("u1")
	assert.True(t, ok)
}
