// Command dialogue drives the dialogue engine offline: replay a transcript
// turn by turn, or classify a single utterance.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/tenant"
)

var (
	tenantID   string
	tenantFile string
	tenantDir  string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "dialogue",
	Short:         "Run caller utterances through the front desk dialogue engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "default", "Tenant id")
	rootCmd.PersistentFlags().StringVar(&tenantFile, "tenant-file", "", "Tenant YAML file (overrides --tenant-dir)")
	rootCmd.PersistentFlags().StringVar(&tenantDir, "tenant-dir", "", "Directory of <tenant>.yaml files; built-in defaults when empty")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(triageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadTenant resolves the configuration named by the persistent flags.
func loadTenant(cmd *cobra.Command) (*tenant.CompanyConfig, error) {
	switch {
	case tenantFile != "":
		return tenant.LoadFile(tenantFile)
	case tenantDir != "":
		return tenant.NewFileStore(tenantDir).Get(cmd.Context(), tenantID)
	}
	return tenant.Default(tenantID), nil
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := logging.New("debug", false)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func clock(fixed string) (func() time.Time, error) {
	if fixed == "" {
		return time.Now, nil
	}
	t, err := time.Parse(time.RFC3339, fixed)
	if err != nil {
		return nil, fmt.Errorf("invalid --now: %w", err)
	}
	return func() time.Time { return t }, nil
}
