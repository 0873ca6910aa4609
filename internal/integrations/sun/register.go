package sun

import "hacoordinator/pkg/integration"

func init() {
	integration.Register(integration.Info{
		Name:        Name,
		Description: "Sun position and day phase for a location",
		Priority:    integration.PriorityDefault,
		Order:       20,
		Factory:     Factory,
	})
}
