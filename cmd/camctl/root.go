package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/camera-threat-monitor/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServiceURL = "http://localhost:8080"

var cfgFile string
var jsonOutput bool
var timeout time.Duration

var rootCmd = &cobra.Command{
	Use:   "camctl",
	Short: "A CLI for the camera threat monitor",
	Long: `Assign cameras to capture devices, inspect their threat status
and fetch annotated frames from a running camera-threat-monitor.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { initConfig(cfgFile) })

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.camctl.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().String("url", "", "Service URL (default is "+defaultServiceURL+")")

	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}

// initConfig reads the config file, if any, and CAMCTL_ prefixed environment
// variables.
func initConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".camctl")
	}

	viper.SetEnvPrefix("camctl")
	viper.AutomaticEnv()
	viper.SetDefault("url", defaultServiceURL)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "could not read config %s: %s\n", cfgFile, err.Error())
		}
	}
}

func newClient() client.CameraClient {
	return client.New(viper.GetString("url"))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
