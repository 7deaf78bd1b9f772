package platform

import "fmt"

// WorkerURL builds the deterministic public URL of a project's worker.
// Example: https://p1-worker.workers.example.com
func WorkerURL(platformDomain, projectID string) string {
	return fmt.Sprintf("https://%s-worker.%s", projectID, platformDomain)
}

// WorkerName is the script name a project is deployed under.
func WorkerName(projectID string) string {
	return projectID + "-worker"
}
