package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fleetforge/internal/logging"
	"fleetforge/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	statusInstanceID string
	statusServerAddr string
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check instance status",
	Long:  `Retrieve the current status and recent lifecycle events of an instance from the FleetForge server.`,
	Run: func(cmd *cobra.Command, args []string) {
		if statusInstanceID == "" {
			logging.Logger().Fatal("Instance ID is required")
		}

		getStatus(statusServerAddr, statusInstanceID)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusInstanceID, "id", "", "Instance ID (required)")
	statusCmd.Flags().StringVarP(&statusServerAddr, "server", "s", "http://localhost:8080", "Server address")
	if err := statusCmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}

func getStatus(serverAddr, instanceID string) {
	client := &http.Client{Timeout: 10 * time.Second}

	var instance store.Instance
	if err := getJSON(client, serverAddr+"/v1/instances/"+instanceID, &instance); err != nil {
		logging.Logger().Fatal("Could not get instance", zap.Error(err))
	}

	fmt.Printf("Instance ID: %s\n", instance.ID)
	fmt.Printf("Name: %s\n", instance.Name)
	fmt.Printf("Provider: %s\n", instance.Provider)
	fmt.Printf("Status: %s\n", instance.Status)
	if ep := instance.EndpointDescriptor(); ep.Host != "" {
		fmt.Printf("Endpoint: %s@%s:%d\n", ep.User, ep.Host, ep.Port)
	}

	var events []store.Event
	if err := getJSON(client, serverAddr+"/v1/instances/"+instanceID+"/events?limit=10", &events); err != nil {
		logging.Logger().Fatal("Could not get events", zap.Error(err))
	}

	if len(events) > 0 {
		fmt.Println("\nRecent events:")
		for _, e := range events {
			fmt.Printf("- [%s] %s\n", e.CreatedAt.Format(time.RFC3339), e.Type)
		}
	}
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
