package emotion

var moodDescriptions = map[Mood]string{
	MoodHappy:   "你现在心情很好，说话带着愉悦和活力，会用更多积极的语气词",
	MoodContent: "你现在心情平静满足，说话温和自然",
	MoodCaring:  "你现在很关心对方，说话温柔体贴，想要安慰和照顾对方",
	MoodPlayful: "你现在心情俏皮，喜欢开玩笑和调侃，说话带点小调皮",
	MoodWorried: "你现在有点担心对方，说话会更加关切，想要了解对方的情况",
	MoodSad:     "你现在有点难过，说话会比较低落，但还是想陪伴对方",
	MoodAnnoyed: "你现在有点小生气，会撒娇式地抱怨，但不是真的生气",
	MoodShy:     "你现在有点害羞，说话会比较含蓄，可能会有点脸红的感觉",
	MoodExcited: "你现在很兴奋，说话会比较激动，语气更加热情",
}

var moodEmojiHints = map[Mood][]string{
	MoodHappy:   {"~", "！", "哈哈", "嘻嘻"},
	MoodContent: {"~", "呢"},
	MoodCaring:  {"...", "呢", "嘛"},
	MoodPlayful: {"哼", "嘿嘿", "~"},
	MoodWorried: {"...", "呢"},
	MoodSad:     {"...", "唉"},
	MoodAnnoyed: {"哼", "！", "喂"},
	MoodShy:     {"...", "那个", "嗯"},
	MoodExcited: {"！", "哇", "耶"},
}

// MoodInstruction returns the prompt line describing the current mood.
func MoodInstruction(state MoodState) string {
	desc, ok := moodDescriptions[state.Current]
	if !ok {
		desc = moodDescriptions[MoodContent]
	}
	note := ""
	switch {
	case state.Intensity > 0.7:
		note = "（情绪比较强烈）"
	case state.Intensity < 0.4:
		note = "（情绪比较轻微）"
	}
	return "【当前心情】" + desc + note
}

// MoodHints returns filler words that fit the mood.
func MoodHints(mood Mood) []string {
	return moodEmojiHints[mood]
}
