package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/quizmesh/quizmesh/internal/coachctl"
)

var (
	coachURL  = flag.String("coach-url", "http://localhost:8431", "Coach service API URL")
	authToken = flag.String("auth-token", "", "Authentication token (or set COACHCTL_AUTH_TOKEN env var)")
	format    = flag.String("format", "table", "Output format: table or json")
)

func main() {
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("COACHCTL_AUTH_TOKEN")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := coachctl.NewHTTPClient(*coachURL, *authToken)

	switch args[0] {
	case "stats":
		handleStats(client)
	case "summaries":
		handleSummaries(client, args[1:])
	case "health":
		handleHealth(client)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func handleStats(client *coachctl.HTTPClient) {
	requireToken()

	stats, err := coachctl.GetStats(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(stats)
	} else {
		printStatsTable(stats)
	}
}

func handleSummaries(client *coachctl.HTTPClient, args []string) {
	requireToken()

	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: summaries command requires student id\n")
		os.Exit(1)
	}

	summaries, err := coachctl.GetSummaries(client, args[0], 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(summaries)
	} else {
		printSummariesTable(summaries)
	}
}

func handleHealth(client *coachctl.HTTPClient) {
	health, err := coachctl.GetHealth(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(health)
	} else {
		printHealthTable(health)
	}
}

func requireToken() {
	if *authToken == "" {
		fmt.Fprintf(os.Stderr, "Error: auth token required (--auth-token or COACHCTL_AUTH_TOKEN env var)\n")
		os.Exit(1)
	}
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func printStatsTable(stats *coachctl.StatsJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ACTIVE_SESSIONS\t%d\n", stats.ActiveSessions)
	fmt.Fprintf(w, "IDLE_SESSIONS\t%d\n", stats.IdleSessions)
	fmt.Fprintf(w, "CLOSED_TOTAL\t%d\n", stats.ClosedTotal)
	fmt.Fprintf(w, "CONNECTIONS\t%d\n", stats.Connections)
	fmt.Fprintf(w, "ROOMS\t%d\n", stats.Rooms)
	w.Flush()
}

func printSummariesTable(summaries []coachctl.SummaryJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION_ID\tSKILL\tMASTERY\tTREND\tCONFIDENCE\tSAMPLES\tCREATED_AT")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%+.4f\t%.2f\t%d\t%s\n",
			s.SessionID, s.SkillID, s.Mastery, s.Trend, s.Confidence, s.SampleCount,
			s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printHealthTable(health *coachctl.HealthJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS")
	fmt.Fprintf(w, "overall\t%s\n", health.Status)
	for name, status := range health.Components {
		fmt.Fprintf(w, "%s\t%s\n", name, status)
	}
	w.Flush()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `coachctl - QuizMesh coach service CLI

Usage:
  coachctl [global-flags] <command> [args]

Global Flags:
  -coach-url string
        Coach service API URL (default "http://localhost:8431")
  -auth-token string
        Authentication token (or set COACHCTL_AUTH_TOKEN env var)
  -format string
        Output format: table or json (default "table")

Commands:
  stats                            Show live session and connection counts
  summaries <student-id>           List recent session summaries for a student
  health                           Show coach service component health

  help                             Show this help message

Examples:
  coachctl -auth-token mytoken stats
  coachctl -format json summaries student-42
  coachctl health
`)
}
