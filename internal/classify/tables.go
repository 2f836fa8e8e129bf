package classify

// staticDomains is the curated exact domain table. Lookups are made against
// the normalized domain and, failing that, against the domain with its
// leftmost label stripped once.
var staticDomains = map[string]Category{
	// Gaming
	"roblox.com":             CategoryGaming,
	"minecraft.net":          CategoryGaming,
	"epicgames.com":          CategoryGaming,
	"steampowered.com":       CategoryGaming,
	"store.steampowered.com": CategoryGaming,
	"ea.com":                 CategoryGaming,
	"blizzard.com":           CategoryGaming,
	"battle.net":             CategoryGaming,
	"nintendo.com":           CategoryGaming,
	"playstation.com":        CategoryGaming,
	"xbox.com":               CategoryGaming,
	"itch.io":                CategoryGaming,
	"miniclip.com":           CategoryGaming,
	"poki.com":               CategoryGaming,
	"coolmathgames.com":      CategoryGaming,
	"friv.com":               CategoryGaming,
	"chess.com":              CategoryGaming,

	// Video & streaming
	"youtube.com":     CategoryVideo,
	"youtu.be":        CategoryVideo,
	"netflix.com":     CategoryVideo,
	"twitch.tv":       CategoryVideo,
	"hulu.com":        CategoryVideo,
	"disneyplus.com":  CategoryVideo,
	"vimeo.com":       CategoryVideo,
	"dailymotion.com": CategoryVideo,
	"primevideo.com":  CategoryVideo,
	"hbomax.com":      CategoryVideo,
	"crunchyroll.com": CategoryVideo,

	// Social media
	"facebook.com":  CategorySocial,
	"instagram.com": CategorySocial,
	"tiktok.com":    CategorySocial,
	"snapchat.com":  CategorySocial,
	"twitter.com":   CategorySocial,
	"x.com":         CategorySocial,
	"reddit.com":    CategorySocial,
	"pinterest.com": CategorySocial,
	"tumblr.com":    CategorySocial,
	"threads.net":   CategorySocial,
	"bereal.com":    CategorySocial,

	// Education
	"khanacademy.org":      CategoryEducation,
	"duolingo.com":         CategoryEducation,
	"wikipedia.org":        CategoryEducation,
	"quizlet.com":          CategoryEducation,
	"coursera.org":         CategoryEducation,
	"edx.org":              CategoryEducation,
	"brilliant.org":        CategoryEducation,
	"scratch.mit.edu":      CategoryEducation,
	"code.org":             CategoryEducation,
	"ixl.com":              CategoryEducation,
	"seterra.com":          CategoryEducation,
	"wolframalpha.com":     CategoryEducation,
	"classroom.google.com": CategoryEducation,

	// News
	"bbc.com":         CategoryNews,
	"bbc.co.uk":       CategoryNews,
	"cnn.com":         CategoryNews,
	"nytimes.com":     CategoryNews,
	"theguardian.com": CategoryNews,
	"reuters.com":     CategoryNews,
	"apnews.com":      CategoryNews,
	"abc.net.au":      CategoryNews,
	"smh.com.au":      CategoryNews,

	// Shopping
	"amazon.com":     CategoryShopping,
	"ebay.com":       CategoryShopping,
	"etsy.com":       CategoryShopping,
	"aliexpress.com": CategoryShopping,
	"temu.com":       CategoryShopping,
	"shein.com":      CategoryShopping,

	// Communication
	"discord.com":     CategoryCommunication,
	"discord.gg":      CategoryCommunication,
	"whatsapp.com":    CategoryCommunication,
	"messenger.com":   CategoryCommunication,
	"telegram.org":    CategoryCommunication,
	"zoom.us":         CategoryCommunication,
	"meet.google.com": CategoryCommunication,
	"skype.com":       CategoryCommunication,
	"slack.com":       CategoryCommunication,
}

// heuristic is an ordered keyword/suffix rule applied when no exact table
// entry matches. The first matching heuristic wins.
type heuristic struct {
	category   Category
	keywords   []string // substring match against the domain
	suffixes   []string // suffix match against the domain
	confidence float64
}

// heuristics are evaluated in a fixed category order.
var heuristics = []heuristic{
	{
		category:   CategoryGaming,
		keywords:   []string{"game", "play", "arcade", "mmo"},
		suffixes:   []string{".games", ".game", ".gg"},
		confidence: 0.6,
	},
	{
		category:   CategoryVideo,
		keywords:   []string{"video", "stream", "movie", "anime"},
		suffixes:   []string{".tv", ".video"},
		confidence: 0.6,
	},
	{
		category:   CategorySocial,
		keywords:   []string{"social", "chat", "friend"},
		suffixes:   []string{".social"},
		confidence: 0.5,
	},
	{
		category:   CategoryEducation,
		keywords:   []string{"learn", "school", "study", "tutor", "academy"},
		suffixes:   []string{".edu", ".edu.au", ".ac.uk"},
		confidence: 0.7,
	},
	{
		category:   CategoryNews,
		keywords:   []string{"news", "herald", "tribune", "times"},
		suffixes:   []string{".news"},
		confidence: 0.5,
	},
	{
		category:   CategoryShopping,
		keywords:   []string{"shop", "store", "buy"},
		suffixes:   []string{".shop", ".store"},
		confidence: 0.5,
	},
	{
		category:   CategoryAdult,
		keywords:   []string{"porn", "xxx", "adult"},
		suffixes:   []string{".xxx", ".adult"},
		confidence: 0.7,
	},
}
