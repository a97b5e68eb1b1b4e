package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"fleetforge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deployConfigFile string
	deployServerAddr string
	deployInitiator  string
)

// deployCmd represents the deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy [config file]",
	Short: "Create a deployment",
	Long:  `Submit a deployment config YAML file to the FleetForge server for provisioning.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if deployConfigFile == "" {
			if len(args) > 0 {
				deployConfigFile = args[0]
			} else {
				logging.Logger().Fatal("Config file is required")
			}
		}

		createDeployment(deployServerAddr, deployConfigFile)
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVarP(&deployConfigFile, "config", "f", "", "Path to deployment config YAML file")
	deployCmd.Flags().StringVarP(&deployServerAddr, "server", "s", "http://localhost:8080", "Server address")
	deployCmd.Flags().StringVar(&deployInitiator, "initiator", "", "Who requested this deployment")
}

func createDeployment(serverAddr, configFile string) {
	content, err := os.ReadFile(configFile)
	if err != nil {
		logging.Logger().Fatal("Failed to read config file", zap.Error(err))
	}

	body, err := json.Marshal(map[string]string{
		"config_yaml": string(content),
		"initiator":   deployInitiator,
	})
	if err != nil {
		logging.Logger().Fatal("Failed to encode request", zap.Error(err))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverAddr+"/v1/deployments", "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Logger().Fatal("Could not reach server", zap.Error(err))
	}
	defer resp.Body.Close()

	var d struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		logging.Logger().Fatal("Could not decode response", zap.Error(err))
	}
	if resp.StatusCode != http.StatusAccepted {
		logging.Logger().Fatal("Deployment rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("error", d.Error))
	}

	fmt.Printf("Deployment submitted successfully. ID: %s\n", d.ID)
}
