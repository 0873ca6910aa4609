package hastates

import "hacoordinator/pkg/integration"

func init() {
	integration.Register(integration.Info{
		Name:        Name,
		Description: "Mirrors Home Assistant entity states over the WebSocket API",
		Priority:    integration.PriorityDefault,
		Order:       10, // Before integrations that read Home Assistant state
		Factory:     Factory,
	})
}
