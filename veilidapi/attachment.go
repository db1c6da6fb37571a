package veilidapi

// attachmentThresholds are the bucket-fill-ratio/reachable-bootstrap-count
// cutoffs driving Weak→Good→Strong→Fully (SPEC_FULL.md §4, grounded on
// veilid-core's AttachmentManager: health is inferred from routing-table
// fill plus bootstrap reachability rather than a single boolean).
type attachmentThresholds struct {
	good, strong, fully float64
}

var defaultAttachmentThresholds = attachmentThresholds{good: 0.1, strong: 0.4, fully: 0.8}

// UpdateAttachmentHealth recomputes the Attached{...} substate from the
// routing table's current bucket fill ratio (entries / (buckets*K)) and the
// count of bootstrap nodes currently reachable. It is a no-op once the node
// has left the Attached family (Detaching/Detached) or hasn't yet reached
// it (Detached/Attaching) — those transitions are driven by Attach/Detach
// themselves.
func (api *API) UpdateAttachmentHealth(bucketFillRatio float64, reachableBootstrap int) {
	api.mu.Lock()
	cur := api.state
	api.mu.Unlock()
	if !cur.IsAttached() {
		return
	}

	next := AttachedWeak
	switch {
	case bucketFillRatio >= defaultAttachmentThresholds.fully && reachableBootstrap > 0:
		next = AttachedFully
	case bucketFillRatio >= defaultAttachmentThresholds.strong:
		next = AttachedStrong
	case bucketFillRatio >= defaultAttachmentThresholds.good:
		next = AttachedGood
	}
	if next != cur {
		api.setState(next)
	}
}
