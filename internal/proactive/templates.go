package proactive

// 每个模板可能是多条连发
var greetingTemplates = map[string][][]string{
	KindGreetingMorning: {
		{"早安~"},
		{"起床了吗"},
		{"早", "醒了没"},
		{"早上好呀", "今天也要加油"},
	},
	KindGreetingNoon: {
		{"该吃午饭了"},
		{"中午了", "吃饭没"},
		{"午饭吃什么呀"},
		{"饿了", "想吃好吃的"},
	},
	KindGreetingAfternoon: {
		{"午睡醒了吗"},
		{"下午好~"},
		{"睡醒了没", "我刚醒"},
		{"好困", "不想上班"},
	},
	KindGreetingDinner: {
		{"晚饭吃了吗"},
		{"该吃晚饭了"},
		{"晚上吃什么", "我好饿"},
		{"下班了", "累死了"},
	},
	KindGreetingNight: {
		{"早点睡"},
		{"晚安~"},
		{"该睡觉了", "困了"},
		{"晚安", "明天见"},
		{"要睡了", "你也早点休息"},
	},
}

var chatTemplates = [][]string{
	{"今天好累啊", "加班到现在"},
	{"刚下班", "终于可以休息了"},
	{"在追剧", "好好看"},
	{"！！！", "我刚看到一个超搞笑的"},
	{"哈哈哈哈", "笑死我了"},
	{"在干嘛", "想你了"},
	{"突然想你了"},
	{"烦死了", "今天又出问题了"},
	{"好无聊啊"},
	{"今天天气好好", "想出去走走"},
	{"好饿", "想吃火锅"},
	{"困了", "但是睡不着"},
	{"对了", "你上次说的那个事怎么样了"},
	{"诶", "我突然想起来一件事"},
	{"哼", "你都不理我"},
	{"无聊", "陪我聊天"},
}

var idleTemplates = [][]string{
	{"在干嘛呢"},
	{"怎么不说话了"},
	{"人呢"},
	{"忙吗"},
	{"..."},
	{"哼"},
	{"你是不是把我忘了"},
	{"在吗", "怎么不回我"},
	{"...", "不理我吗"},
}
