package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

func TestExtractRuleID(t *testing.T) {
	cases := []struct{ code, want string }{
		{"RULE:r1", "r1"},
		{"OFFLINE:o1", "o1"},
		{"RULE:a:b", "a_b"}, // only the first colon splits
		{"bare", "bare"},
		{"RULE:weird id!", "weird_id_"},
		{"RULE:Ok_-9", "Ok_-9"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExtractRuleID(c.code), c.code)
	}
}

func newAggregator(mem *store.Memory) (*Aggregator, chan model.AlarmIntent) {
	in := make(chan model.AlarmIntent, 16)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	return NewAggregator(in, mem, nil, mock, zap.NewNop()), in
}

func intent(device, rule string, ts int64, severity int) model.AlarmIntent {
	return model.AlarmIntent{
		DeviceID: device,
		TagID:    "T",
		RuleID:   rule,
		Ts:       ts,
		Severity: severity,
		Code:     model.RuleCode(rule),
		Message:  "m",
	}
}

func TestAggregatorGroupsSequentialAlarms(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newAggregator(mem)
	ctx := context.Background()

	// Three occurrences of the same rule on one device. Each prior alarm is
	// closed before the next fires (the open-code invariant allows only one
	// live record per code); the group keeps absorbing members.
	severities := []int{2, 3, 2}
	for i, sev := range severities {
		agg.handle(ctx, intent("D", "r1", int64(1000+i*500), sev))
		_, err := mem.CloseByCode(ctx, "RULE:r1")
		require.NoError(t, err)
	}

	groups, err := mem.QueryGroups(ctx, model.Page{})
	require.NoError(t, err)
	require.Len(t, groups, 1, "one open group absorbs all members")
	g := groups[0]
	assert.Equal(t, 3, g.AlarmCount)
	assert.Equal(t, 3, g.Severity, "severity is the member maximum")
	assert.Equal(t, time.UnixMilli(1000).UTC(), g.FirstUTC)
	assert.Equal(t, time.UnixMilli(2000).UTC(), g.LastUTC)
	assert.Equal(t, model.StatusOpen, g.Status)

	alarms, err := mem.QueryAlarms(ctx, model.AlarmFilter{DeviceID: "D"}, model.Page{})
	require.NoError(t, err)
	require.Len(t, alarms, 3)
	for _, a := range alarms {
		assert.Equal(t, g.GroupID, a.GroupID, "every member links to the group")
	}
}

func TestAggregatorSeparateDevicesSeparateGroups(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newAggregator(mem)
	ctx := context.Background()

	agg.handle(ctx, intent("D1", "r1", 1000, 2))
	agg.handle(ctx, model.AlarmIntent{
		DeviceID: "D2", TagID: "T", RuleID: "r1", Ts: 1100, Severity: 2,
		Code: model.OfflineCode("r1"), Message: "m",
	})

	groups, err := mem.QueryGroups(ctx, model.Page{})
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestAggregatorDedupSuppressesSilently(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newAggregator(mem)
	ctx := context.Background()

	agg.handle(ctx, intent("D", "r1", 1000, 2))
	agg.handle(ctx, intent("D", "r1", 1500, 5)) // open record exists: dropped

	alarms, err := mem.QueryAlarms(ctx, model.AlarmFilter{Code: "RULE:r1"}, model.Page{})
	require.NoError(t, err)
	assert.Len(t, alarms, 1)

	groups, _ := mem.QueryGroups(ctx, model.Page{})
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].AlarmCount, "a deduplicated record never inflates its group")
	assert.Equal(t, 2, groups[0].Severity)
}

func TestAggregatorRunConsumesUntilClose(t *testing.T) {
	mem := store.NewMemory()
	agg, in := newAggregator(mem)

	done := make(chan error, 1)
	go func() { done <- agg.Run(context.Background()) }()
	in <- intent("D", "r1", 1000, 2)
	close(in)
	require.NoError(t, <-done)

	recent := agg.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "RULE:r1", recent[0].Code)
}

func TestAggregatorGroupAckAndClose(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newAggregator(mem)
	ctx := context.Background()

	agg.handle(ctx, intent("D", "r1", 1000, 2))
	groups, _ := mem.QueryGroups(ctx, model.Page{})
	require.Len(t, groups, 1)
	gid := groups[0].GroupID

	require.NoError(t, agg.AcknowledgeGroup(ctx, gid, "operator", "looking"))
	groups, _ = mem.QueryGroups(ctx, model.Page{})
	assert.Equal(t, model.StatusAcknowledged, groups[0].Status)
	alarms, _ := mem.QueryAlarms(ctx, model.AlarmFilter{DeviceID: "D"}, model.Page{})
	assert.Equal(t, model.StatusAcknowledged, alarms[0].Status)
	assert.Equal(t, "operator", alarms[0].AckUser)

	require.NoError(t, agg.CloseGroup(ctx, gid))
	groups, _ = mem.QueryGroups(ctx, model.Page{})
	assert.Equal(t, model.StatusClosed, groups[0].Status)
	alarms, _ = mem.QueryAlarms(ctx, model.AlarmFilter{DeviceID: "D"}, model.Page{})
	assert.Equal(t, model.StatusClosed, alarms[0].Status)

	// Status is monotonic: a closed group cannot be re-acknowledged.
	assert.ErrorIs(t, agg.AcknowledgeGroup(ctx, gid, "x", ""), store.ErrBadTransition)
}

func TestAggregatorGroupUpdateSpansPages(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newAggregator(mem)
	ctx := context.Background()

	// More groups than one page, and a target group with more members than
	// one page. Sorted by LastUTC descending, the target sinks to the bottom.
	for i := 0; i < updatePageSize+10; i++ {
		g := model.AlarmGroup{
			GroupID:  fmt.Sprintf("grp-noise-%04d", i),
			DeviceID: "noise", RuleID: "rn", Severity: 2, AlarmCount: 1,
			FirstUTC: time.UnixMilli(int64(10_000 + i)), LastUTC: time.UnixMilli(int64(10_000 + i)),
			Status: model.StatusOpen,
		}
		require.NoError(t, mem.UpsertGroup(ctx, &g))
	}
	target := model.AlarmGroup{
		GroupID: "grp-target", DeviceID: "D", RuleID: "r1", Severity: 3,
		AlarmCount: updatePageSize + 20,
		FirstUTC:   time.UnixMilli(1), LastUTC: time.UnixMilli(2),
		Status: model.StatusOpen,
	}
	require.NoError(t, mem.UpsertGroup(ctx, &target))
	for i := 0; i < updatePageSize+20; i++ {
		rec := model.AlarmRecord{
			AlarmID:  fmt.Sprintf("alm-%04d", i),
			DeviceID: "D", TagID: "T", Ts: int64(1000 + i), Severity: 3,
			Code: model.RuleCode(fmt.Sprintf("r1-%04d", i)), Message: "m",
			Status: model.StatusOpen, GroupID: "grp-target",
		}
		require.NoError(t, mem.CreateAlarm(ctx, &rec))
	}

	require.NoError(t, agg.AcknowledgeGroup(ctx, "grp-target", "operator", ""))

	members, err := mem.QueryAlarms(ctx, model.AlarmFilter{GroupID: "grp-target"}, model.Page{})
	require.NoError(t, err)
	require.Len(t, members, updatePageSize+20)
	for _, m := range members {
		assert.Equal(t, model.StatusAcknowledged, m.Status,
			"members beyond the first page are acknowledged too")
	}

	require.NoError(t, agg.CloseGroup(ctx, "grp-target"))
	members, err = mem.QueryAlarms(ctx, model.AlarmFilter{GroupID: "grp-target"}, model.Page{})
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, model.StatusClosed, m.Status)
	}
}
