package commands

import (
	"fmt"
	"time"

	"github.com/teranos/drip/sym"
	"github.com/teranos/drip/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string, port int, selfTrigger bool, interval time.Duration) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════╗\n")
	fmt.Printf("   ║                                       ║\n")
	fmt.Printf("   ║     %s  d r i p                       ║\n", sym.Drip)
	fmt.Printf("   ║                                       ║\n")
	fmt.Printf("   ║     %s bucket   %s step   %s pace       ║\n", sym.Pulse, sym.Drip, sym.At)
	fmt.Printf("   ║                                       ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ drip Info ─────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, verbosityName(verbosity))
	fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	fmt.Printf("%s│%s Listening: :%d\n", green, reset, port)
	if selfTrigger {
		fmt.Printf("%s│%s Trigger:   every %s (in-process)\n", green, reset, interval)
	} else {
		fmt.Printf("%s│%s Trigger:   POST /api/drip/run\n", green, reset)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Watch runs live on /ws/runs%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}

func verbosityName(v int) string {
	switch {
	case v <= 0:
		return "warn"
	case v == 1:
		return "info"
	default:
		return "debug"
	}
}
