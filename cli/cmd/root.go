package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/coffer"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/persist"
)

var (
	cfgFile     string
	cofferPath  string
	cofferSvc   *coffer.Coffer
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coffer",
	Short: "Manage backup vault manifests, snapshots and key lifecycle",
	Long: `Coffer manages the metadata plane of an encrypted backup system: versioned
vault manifests with automatic pre-save snapshots, a key registry with
lifecycle tracking, last-writer-wins conflict resolution between devices,
and a persistent device identity for attributing writes.`,
	PersistentPreRunE: initializeCoffer,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if cofferSvc != nil {
			return cofferSvc.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.coffer.yaml)")
	rootCmd.PersistentFlags().StringVarP(&cofferPath, "path", "p", "", "path to coffer storage")
	rootCmd.PersistentFlags().String("device-label", "", "device label used in last-writer stamps (defaults to hostname)")
	rootCmd.PersistentFlags().Int("max-snapshots", 0, "snapshots retained per vault (0 = default)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")

	// Bind flags to viper
	bindFlagOrPanic("coffer.path", "path")
	bindFlagOrPanic("coffer.device_label", "device-label")
	bindFlagOrPanic("coffer.max_snapshots", "max-snapshots")
	bindFlagOrPanic("coffer.store_type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	// Bind audit flags
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	// Bind S3 flags
	bindFlagOrPanic("coffer.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("coffer.s3.region", "s3-region")
	bindFlagOrPanic("coffer.s3.bucket", "s3-bucket")
	bindFlagOrPanic("coffer.s3.prefix", "s3-prefix")
	bindFlagOrPanic("coffer.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("coffer.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("coffer.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	// Set defaults first
	setDefaults()

	// Configure config file paths
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search in multiple locations for consistency
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/coffer")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".coffer")
	}

	// Environment variable support
	viper.SetEnvPrefix("COFFER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file found but error reading it
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	// Core defaults - consistent paths
	viper.SetDefault("coffer.path", ".coffer")
	viper.SetDefault("coffer.store_type", "filesystem")
	viper.SetDefault("coffer.max_snapshots", 0)

	// S3 defaults
	viper.SetDefault("coffer.s3.region", "us-east-1")
	viper.SetDefault("coffer.s3.prefix", "coffer/")
	viper.SetDefault("coffer.s3.use_ssl", true)

	// Audit defaults - use consistent path structure
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// Set audit file path based on coffer path - will be updated in initializeCoffer
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeCoffer(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	// Get configuration values with proper fallbacks
	cofferPath = viper.GetString("coffer.path")

	// Set audit file path relative to coffer path if not explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		auditPath := filepath.Join(cofferPath, "audit.log")
		viper.Set("audit.options.file_path", auditPath)
	}

	// Create base directory for the filesystem backend if it doesn't exist
	storeType := viper.GetString("coffer.store_type")
	if strings.ToLower(storeType) == "filesystem" {
		if err := os.MkdirAll(cofferPath, 0700); err != nil {
			return fmt.Errorf("failed to create coffer directory: %w", err)
		}
	}

	// Initialize CLI context
	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	storeConfig, err := buildStoreConfig(storeType)
	if err != nil {
		return err
	}

	options := coffer.Options{
		StoreConfig:  storeConfig,
		MaxSnapshots: viper.GetInt("coffer.max_snapshots"),
		AuditConfig:  buildAuditConfig(),
		DeviceLabel:  viper.GetString("coffer.device_label"),
	}

	cofferSvc, err = coffer.New(options)
	if err != nil {
		return fmt.Errorf("failed to open coffer: %w", err)
	}
	auditLogger = cofferSvc.Audit()

	return nil
}

func buildAuditConfig() *audit.Config {
	if !viper.GetBool("audit.enabled") {
		return nil
	}
	return &audit.Config{
		Enabled: true,
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	}
}

func buildStoreConfig(storeType string) (*persist.StoreConfig, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		return &persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Config: map[string]interface{}{
				"base_path": viper.GetString("coffer.path"),
			},
		}, nil

	case "s3":
		if err := validateS3Config(); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}

		return &persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          viper.GetString("coffer.s3.endpoint"),
				"access_key_id":     viper.GetString("coffer.s3.access_key_id"),
				"secret_access_key": viper.GetString("coffer.s3.secret_access_key"),
				"bucket":            viper.GetString("coffer.s3.bucket"),
				"key_prefix":        viper.GetString("coffer.s3.prefix"),
				"use_ssl":           viper.GetBool("coffer.s3.use_ssl"),
				"region":            viper.GetString("coffer.s3.region"),
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3", storeType)
	}
}

func validateS3Config() error {
	var missing []string

	if viper.GetString("coffer.s3.bucket") == "" {
		missing = append(missing, "coffer.s3.bucket")
	}
	if viper.GetString("coffer.s3.region") == "" {
		missing = append(missing, "coffer.s3.region")
	}

	hasAccessKey := viper.GetString("coffer.s3.access_key_id") != ""
	hasSecretKey := viper.GetString("coffer.s3.secret_access_key") != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "coffer.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "coffer.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// getStoreConfigSummary returns a summary of the current store configuration (for logging/debugging)
func getStoreConfigSummary(storeType string) string {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		return fmt.Sprintf("Filesystem store: path=%s", viper.GetString("coffer.path"))
	case "s3":
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("coffer.s3.bucket"),
			viper.GetString("coffer.s3.region"),
			viper.GetString("coffer.s3.prefix"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		// This can happen in restricted environments or certain OSes (e.g., scratch Docker images without /etc/passwd)
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// generateSessionID creates a new unique session identifier.
// Uses UUID v4.
func generateSessionID() string {
	id := uuid.New()
	return id.String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

// Debug command to show current configuration
var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (COFFER_* prefix):\n")
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "COFFER_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					if isSensitiveFlag(parts[0]) {
						fmt.Printf("  %s=***REDACTED***\n", parts[0])
					} else {
						fmt.Printf("  %s=%s\n", parts[0], parts[1])
					}
				}
			}
		}

		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store Type: %s\n", viper.GetString("coffer.store_type"))
		fmt.Printf("  Path: %s\n", viper.GetString("coffer.path"))
		fmt.Printf("  Device Label: %s\n", viper.GetString("coffer.device_label"))
		fmt.Printf("  Max Snapshots: %d\n", viper.GetInt("coffer.max_snapshots"))

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		storeType := viper.GetString("coffer.store_type")
		if strings.ToLower(storeType) == "s3" {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("coffer.s3.endpoint"))
			fmt.Printf("  Region: %s\n", viper.GetString("coffer.s3.region"))
			fmt.Printf("  Bucket: %s\n", viper.GetString("coffer.s3.bucket"))
			fmt.Printf("  Prefix: %s\n", viper.GetString("coffer.s3.prefix"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("coffer.s3.use_ssl"))
			fmt.Printf("  Access Key: %s\n", func() string {
				if viper.GetString("coffer.s3.access_key_id") != "" {
					return "***SET***"
				}
				return "***NOT SET***"
			}())
			fmt.Printf("  Secret Key: %s\n", func() string {
				if viper.GetString("coffer.s3.secret_access_key") != "" {
					return "***SET***"
				}
				return "***NOT SET***"
			}())
		}

		fmt.Printf("\nStore Configuration Summary:\n")
		fmt.Printf("  %s\n", getStoreConfigSummary(storeType))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	// Log command completion
	if auditLogger != nil {
		auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string

	// Unwrap the error chain and collect all messages
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	// If we have multiple errors in the chain, show the hierarchy
	if len(messages) > 1 {
		// Remove duplicates that might occur from unwrapping
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)

		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	// Single error or all messages were the same
	message := messages[0]

	// Basic formatting
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	// Remove or mask sensitive arguments
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if containsSensitiveData(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func containsSensitiveData(arg string) bool {
	// TODO: revise and implement
	return false
}
