package theme

import (
	"fmt"
)

// Banner returns the CLI banner: a small retweet graph in neon colors.
func Banner() string {
	const cyan = "\033[36m"
	const magenta = "\033[35m"
	const yellow = "\033[33m"
	const reset = "\033[0m"

	art := "" +
		"  ◉───▶◉   " + magenta + "TWEETGRAPH" + reset + "   ◉◀───◉\n" +
		cyan + "   (user)─AUTHORED─▶(tweet)─CONTAINS─▶(#tag)\n" + reset +
		cyan + "     │                 ▲\n" + reset +
		cyan + "     └────RETWEETS─────┘\n" + reset +
		yellow + "     ────────────────────────────────────\n" + reset +
		"   posts in, property graph out ✦\n"
	return art
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}
