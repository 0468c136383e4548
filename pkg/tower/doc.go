// Package tower is a typed client for the workflow service REST API and the
// public nf-core pipeline catalog.
//
// Each remote operation is one method declaring the single status code it
// accepts; anything else is returned as *APIError. Lookups by name never fail,
// they return "" or nil. All requests from a Client, and from copies made with
// WithWorkspace, share one concurrency cap and one pacing limiter:
//
//	client, err := tower.NewClient(tower.Config{
//		Endpoint:    "https://tower.nf/api",
//		Token:       os.Getenv("TOWER_ACCESS_TOKEN"),
//		MaxInFlight: tower.DefaultMaxInFlight,
//		MinSpacing:  tower.DefaultMinSpacing,
//	})
//	envs, err := client.ListComputeEnvs(ctx)
//	id := tower.ComputeEnvIDByName(envs, "loginauto")
package tower
