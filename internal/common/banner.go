package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner to stderr.
// role names the process ("server", "scraper:bse", "worker:ai_processing", ...).
func PrintBanner(config *Config, role string) {
	version := GetVersion()
	build := GetBuild()
	commit := GetGitCommit()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 888888b.         d8888  .d8888b.  888    d8P  8888888888 8888888 888b    888`,
		` 888  "88b       d88888 d88P  Y88b 888   d8P   888          888   8888b   888`,
		` 888  .88P      d88P888 888    888 888  d8P    888          888   88888b  888`,
		` 8888888K.     d88P 888 888        888d88K     8888888      888   888Y88b 888`,
		` 888  "Y88b   d88P  888 888        8888888b    888          888   888 Y88b888`,
		` 888    888  d88P   888 888    888 888  Y88b   888          888   888  Y88888`,
		` 888   d88P d8888888888 Y88b  d88P 888   Y88b  888          888   888   Y8888`,
		` 8888888P" d88P     888  "Y8888P"  888    Y88b 888        8888888 888    Y888`,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s  Exchange Filing Ingestion & Classification%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	kvPad := 16
	kvLines := [][2]string{
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Environment", config.Environment},
		{"Role", role},
		{"Service URL", serviceURL},
		{"Broker", config.Redis.Addr},
		{"Store", config.Surreal.Address},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
}
