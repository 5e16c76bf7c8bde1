// Package main implements genctl, a command-line client for the generation API.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	apiURL     string
	tenantID   string
	reqTimeout time.Duration
)

// errJobFailed makes the process exit non-zero without printing twice.
var errJobFailed = errors.New("generation failed")

var rootCmd = &cobra.Command{
	Use:           "genctl",
	Short:         "Start and follow generation jobs",
	Long:          "genctl starts video, image, speech and website generations through the API and follows them until they finish.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("GENCTL_API_URL", "http://localhost:8080"), "Base URL of the generation API")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("GENCTL_TENANT"), "Tenant ID sent as X-Tenant-ID")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "request-timeout", 15*time.Second, "Timeout for each API request")

	rootCmd.AddCommand(startCmd, statusCmd, watchCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errJobFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClientFromFlags() *apiClient {
	return newAPIClient(apiURL, tenantID, reqTimeout)
}
