package dispatch

import (
	"fmt"

	"github.com/3leaps/gocumulus/pkg/queue"
)

// Work item keys. Storage credentials travel with the item so whichever node
// pops it can reach the storage backend on its own.
const (
	itemJobID          = "job_id"
	itemCode           = "code_location"
	itemInputs         = "inputs"
	itemArgv           = "argv"
	itemStorageBackend = "storage_backend"
	itemStorageCreds   = "storage_credentials"
	itemOutput         = "output_location"
	itemNodes          = "nodes"
	itemOrigin         = "origin"
)

// WorkItem is the unit pushed to a queue for a delegated job.
type WorkItem struct {
	JobID              string
	CodeLocation       string
	Inputs             []string
	Argv               []string
	StorageBackend     string
	StorageCredentials map[string]string
	OutputLocation     string

	// Nodes were claimed for this job when it was delegated.
	Nodes []string

	// Origin is the owner id of the dispatcher that pushed the item.
	Origin string
}

func workItemFor(d JobDescriptor, nodes []string, origin string) WorkItem {
	return WorkItem{
		JobID:              d.JobID,
		CodeLocation:       d.CodeLocation,
		Inputs:             d.Inputs,
		Argv:               d.Argv,
		StorageBackend:     d.StorageBackend,
		StorageCredentials: d.StorageCredentials,
		OutputLocation:     d.OutputLocation,
		Nodes:              nodes,
		Origin:             origin,
	}
}

// Item converts w to its queue form.
func (w WorkItem) Item() queue.Item {
	item := queue.Item{
		itemJobID:          w.JobID,
		itemCode:           w.CodeLocation,
		itemStorageBackend: w.StorageBackend,
		itemOutput:         w.OutputLocation,
	}
	if len(w.Inputs) > 0 {
		item[itemInputs] = w.Inputs
	}
	if len(w.Argv) > 0 {
		item[itemArgv] = w.Argv
	}
	if len(w.StorageCredentials) > 0 {
		item[itemStorageCreds] = w.StorageCredentials
	}
	if len(w.Nodes) > 0 {
		item[itemNodes] = w.Nodes
	}
	if w.Origin != "" {
		item[itemOrigin] = w.Origin
	}
	return item
}

// ParseWorkItem reads a popped item. Items without a usable job id or a code
// location are rejected.
func ParseWorkItem(item queue.Item) (WorkItem, error) {
	w := WorkItem{
		JobID:              item.String(itemJobID),
		CodeLocation:       item.String(itemCode),
		Inputs:             item.Strings(itemInputs),
		Argv:               item.Strings(itemArgv),
		StorageBackend:     item.String(itemStorageBackend),
		StorageCredentials: item.StringMap(itemStorageCreds),
		OutputLocation:     item.String(itemOutput),
		Nodes:              item.Strings(itemNodes),
		Origin:             item.String(itemOrigin),
	}
	if w.JobID == "" || w.CodeLocation == "" {
		return WorkItem{}, fmt.Errorf("%w: work item needs %s and %s", ErrInvalidJob, itemJobID, itemCode)
	}
	if !validJobID(w.JobID) {
		return WorkItem{}, fmt.Errorf("%w: job id %q", ErrInvalidJob, w.JobID)
	}
	return w, nil
}
