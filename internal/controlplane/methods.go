package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// API method names.
const (
	MethodListSlices            = "list-slices"
	MethodAddSlice              = "add-slice"
	MethodUpdateSlice           = "update-slice"
	MethodRemoveSlice           = "remove-slice"
	MethodUpdateSlicePassword   = "update-slice-password"
	MethodListFlowSpace         = "list-flowspace"
	MethodRemoveFlowSpace       = "remove-flowspace"
	MethodAddFlowSpace          = "add-flowspace"
	MethodUpdateFlowSpace       = "update-flowspace"
	MethodListVersion           = "list-version"
	MethodSetConfig             = "set-config"
	MethodGetConfig             = "get-config"
	MethodSaveConfig            = "save-config"
	MethodListSliceInfo         = "list-slice-info"
	MethodListDatapaths         = "list-datapaths"
	MethodListLinks             = "list-links"
	MethodListDatapathInfo      = "list-datapath-info"
	MethodListSliceStats        = "list-slice-stats"
	MethodListDatapathStats     = "list-datapath-stats"
	MethodListHealth            = "list-fv-health"
	MethodListSliceHealth       = "list-slice-health"
	MethodRegisterCallback      = "register-event-callback"
	MethodUnregisterCallback    = "unregister-event-callback"
	MethodListDatapathFlowDB    = "list-datapath-flowdb"
	MethodListDatapathRewriteDB = "list-datapath-flowrewritedb"
)

var knownMethods = []string{
	MethodListSlices,
	MethodAddSlice,
	MethodUpdateSlice,
	MethodRemoveSlice,
	MethodUpdateSlicePassword,
	MethodListFlowSpace,
	MethodRemoveFlowSpace,
	MethodAddFlowSpace,
	MethodUpdateFlowSpace,
	MethodListVersion,
	MethodSetConfig,
	MethodGetConfig,
	MethodSaveConfig,
	MethodListSliceInfo,
	MethodListDatapaths,
	MethodListLinks,
	MethodListDatapathInfo,
	MethodListSliceStats,
	MethodListDatapathStats,
	MethodListHealth,
	MethodListSliceHealth,
	MethodRegisterCallback,
	MethodUnregisterCallback,
	MethodListDatapathFlowDB,
	MethodListDatapathRewriteDB,
}

// KnownMethod reports whether name is part of the management API.
func KnownMethod(name string) bool {
	return slices.Contains(knownMethods, name)
}

// Methods returns the management API method names.
func Methods() []string {
	return slices.Clone(knownMethods)
}

// Slice is the add-slice parameter set.
type Slice struct {
	Name          string `json:"slice-name"`
	Password      string `json:"password"`
	ControllerURL string `json:"controller-url"`
	AdminContact  string `json:"admin-contact"`
	DropPolicy    string `json:"drop-policy,omitempty"`
	RecvLLDP      *bool  `json:"recv-lldp,omitempty"`
	FlowModLimit  *int   `json:"flowmod-limit,omitempty"`
	RateLimit     *int   `json:"rate-limit,omitempty"`
}

// SliceAction grants a slice permissions on a flowspace entry.
type SliceAction struct {
	Slice      string `json:"slice-name"`
	Permission int    `json:"permission"`
}

// Permission bits for SliceAction.
const (
	PermDelegate = 1
	PermRead     = 2
	PermWrite    = 4
)

// FlowSpace is one add-flowspace entry. Match keys follow the API's
// field names (in_port, dl_src, nw_dst, ...).
type FlowSpace struct {
	Name         string         `json:"name"`
	DPID         string         `json:"dpid"`
	Priority     int            `json:"priority"`
	Match        map[string]any `json:"match"`
	SliceAction  []SliceAction  `json:"slice-action"`
	Queues       []int          `json:"queues,omitempty"`
	ForceEnqueue *int           `json:"force-enqueue,omitempty"`
}

// AddSlice creates a slice.
func (c *Client) AddSlice(ctx context.Context, s Slice) error {
	_, err := c.SetRule(ctx, MethodAddSlice, s)
	return err
}

// RemoveSlice deletes a slice by name.
func (c *Client) RemoveSlice(ctx context.Context, name string) error {
	_, err := c.SetRule(ctx, MethodRemoveSlice, map[string]string{"slice-name": name})
	return err
}

// ListSlices returns the configured slices.
func (c *Client) ListSlices(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.Call(ctx, MethodListSlices, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddFlowSpace inserts flowspace entries. The API takes a list.
func (c *Client) AddFlowSpace(ctx context.Context, entries ...FlowSpace) error {
	_, err := c.SetRule(ctx, MethodAddFlowSpace, entries)
	return err
}

// RemoveFlowSpace deletes flowspace entries by name.
func (c *Client) RemoveFlowSpace(ctx context.Context, names ...string) error {
	_, err := c.SetRule(ctx, MethodRemoveFlowSpace, names)
	return err
}

// ListVersion returns the intermediary's version information.
func (c *Client) ListVersion(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Call(ctx, MethodListVersion, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Flow Databases
// -------------------------------------------------------------------------

// DatapathFlowDB returns the flows the intermediary has installed on the
// datapath dpid, one decoded object per flow.
func (c *Client) DatapathFlowDB(ctx context.Context, dpid string) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.query(ctx, MethodListDatapathFlowDB, map[string]string{"dpid": dpid}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SliceRewriteDB returns slice's rewrite database on dpid: each original
// flow maps to the rewritten flows pushed in its place.
func (c *Client) SliceRewriteDB(ctx context.Context, slice, dpid string) (map[string][]map[string]any, error) {
	var out map[string][]map[string]any
	params := map[string]string{"slice-name": slice, "dpid": dpid}
	if err := c.query(ctx, MethodListDatapathRewriteDB, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckFlowDB verifies that dpid holds wantFlows flows and that slice has
// wantRewrites rewrite entries on it. A negative wantRewrites expects the
// same count as wantFlows.
func (c *Client) CheckFlowDB(ctx context.Context, slice, dpid string, wantFlows, wantRewrites int) error {
	if wantRewrites < 0 {
		wantRewrites = wantFlows
	}

	flows, err := c.DatapathFlowDB(ctx, dpid)
	if err != nil {
		return err
	}
	if len(flows) != wantFlows {
		return fmt.Errorf("%w: datapath %s has %d flows, want %d", ErrCountMismatch, dpid, len(flows), wantFlows)
	}

	rewrites, err := c.SliceRewriteDB(ctx, slice, dpid)
	if err != nil {
		return err
	}
	if len(rewrites) != wantRewrites {
		return fmt.Errorf("%w: slice %s on datapath %s has %d rewrites, want %d",
			ErrCountMismatch, slice, dpid, len(rewrites), wantRewrites)
	}
	return nil
}

// -------------------------------------------------------------------------
// Message Statistics
// -------------------------------------------------------------------------

// MessageCounts maps a peer (a slice name for datapath stats, a dpid for
// slice stats) to per-message-type counters such as "FLOW_MOD".
type MessageCounts map[string]map[string]uint64

// Total sums the counters for kind across every peer.
func (m MessageCounts) Total(kind string) uint64 {
	var n uint64
	for _, byKind := range m {
		n += byKind[kind]
	}
	return n
}

// Stats is the decoded result of list-datapath-stats and list-slice-stats.
type Stats struct {
	Sent     MessageCounts `json:"tx"`
	Received MessageCounts `json:"rx"`
	Dropped  MessageCounts `json:"drop"`
}

// DatapathStats returns the message counters for datapath dpid.
func (c *Client) DatapathStats(ctx context.Context, dpid string) (Stats, error) {
	var out Stats
	err := c.query(ctx, MethodListDatapathStats, map[string]string{"dpid": dpid}, &out)
	return out, err
}

// SliceStats returns the message counters for slice.
func (c *Client) SliceStats(ctx context.Context, slice string) (Stats, error) {
	var out Stats
	err := c.query(ctx, MethodListSliceStats, map[string]string{"slice-name": slice}, &out)
	return out, err
}

// query is SetRule with the result decoded into out.
func (c *Client) query(ctx context.Context, method string, params, out any) error {
	raw, err := c.SetRule(ctx, method, params)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", ErrMalformedResponse, method, err)
	}
	return nil
}
