package cloudvfs

// BatchStatus is the outcome of one batch item.
type BatchStatus string

const (
	BatchSuccess BatchStatus = "success"
	BatchSkipped BatchStatus = "skipped"
	BatchFailed  BatchStatus = "failed"
)

// CopyItem is one entry of a batch copy.
type CopyItem struct {
	Source       string
	Target       string
	SkipExisting bool
}

// BatchItem reports one processed path.
type BatchItem struct {
	Path   string
	Target string
	Status BatchStatus
	Error  string
	Err    error `json:"-"`
	// RenamedTo is the final target when a copy collision was resolved.
	RenamedTo string
	// Transfer is the pending plan of a cross-account copy.
	Transfer *TransferPlan
}

// BatchResult collects the outcome of a batch. Items keep input order.
type BatchResult struct {
	Items        []BatchItem
	SuccessCount int
	SkippedCount int
	Failures     []BatchItem
}

func (r *BatchResult) add(item BatchItem) {
	switch item.Status {
	case BatchSuccess:
		r.SuccessCount++
	case BatchSkipped:
		r.SkippedCount++
	case BatchFailed:
		r.Failures = append(r.Failures, item)
	}
	r.Items = append(r.Items, item)
}

func (r *BatchResult) fail(p, target string, err error) {
	r.add(BatchItem{Path: p, Target: target, Status: BatchFailed, Error: err.Error(), Err: err})
}

// Transfers returns the pending cross-account plans of the batch.
func (r *BatchResult) Transfers() []*TransferPlan {
	var plans []*TransferPlan
	for _, item := range r.Items {
		if item.Transfer != nil {
			plans = append(plans, item.Transfer)
		}
	}
	return plans
}
