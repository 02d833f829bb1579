package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/cron"
)

type fakeScheduler struct {
	added     []cron.JobRequest
	jobs      []cron.Job
	listedAll bool
	toggled   map[string]bool
	removed   []string
}

func (f *fakeScheduler) Add(req cron.JobRequest) (*cron.Job, error) {
	f.added = append(f.added, req)
	return &cron.Job{ID: "job-1", Name: req.Name, Expr: req.Expr, EveryMillis: req.EveryMS, Message: req.Message}, nil
}
func (f *fakeScheduler) List(includeDisabled bool) []cron.Job {
	f.listedAll = includeDisabled
	if includeDisabled {
		return f.jobs
	}
	var out []cron.Job
	for _, j := range f.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}
func (f *fakeScheduler) SetEnabled(id string, enabled bool) error {
	if f.toggled == nil {
		f.toggled = make(map[string]bool)
	}
	f.toggled[id] = enabled
	return nil
}
func (f *fakeScheduler) Remove(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func chatCtx(channel, chatID string) context.Context {
	ctx := WithToolChannel(context.Background(), channel)
	return WithToolChatID(ctx, chatID)
}

func TestCronToolAddUsesChatContext(t *testing.T) {
	sched := &fakeScheduler{}
	tool := NewCronTool(sched)

	res := tool.Execute(chatCtx("telegram", "42"), map[string]interface{}{
		"action":  "add",
		"name":    "daily",
		"expr":    "0 9 * * *",
		"message": "good morning",
	})
	if res.IsError {
		t.Fatalf("add: %s", res.ForLLM)
	}
	if len(sched.added) != 1 {
		t.Fatalf("added = %d", len(sched.added))
	}
	req := sched.added[0]
	if req.Channel != "telegram" || req.ChatID != "42" {
		t.Errorf("origin = %s:%s", req.Channel, req.ChatID)
	}
	if req.Expr != "0 9 * * *" || req.Message != "good morning" {
		t.Errorf("req = %+v", req)
	}
}

func TestCronToolAddRequiresContext(t *testing.T) {
	tool := NewCronTool(&fakeScheduler{})
	res := tool.Execute(context.Background(), map[string]interface{}{
		"action": "add", "expr": "* * * * *", "message": "x",
	})
	if !res.IsError {
		t.Error("add without chat context should error")
	}
}

func TestCronToolList(t *testing.T) {
	sched := &fakeScheduler{jobs: []cron.Job{
		{ID: "a", Name: "daily", Expr: "0 9 * * *", Message: "morning", Enabled: true},
		{ID: "b", Name: "once", AtMillis: 1767225600000, Message: "happy new year", Enabled: true},
	}}
	tool := NewCronTool(sched)

	res := tool.Execute(context.Background(), map[string]interface{}{"action": "list"})
	if res.IsError {
		t.Fatalf("list: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "cron 0 9 * * *") {
		t.Errorf("listing missing cron job: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "id=b") {
		t.Errorf("listing missing one-shot job: %q", res.ForLLM)
	}
}

func TestCronToolListEmpty(t *testing.T) {
	tool := NewCronTool(&fakeScheduler{})
	res := tool.Execute(context.Background(), map[string]interface{}{"action": "list"})
	if res.ForLLM != "No scheduled jobs." {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestCronToolRemove(t *testing.T) {
	sched := &fakeScheduler{}
	tool := NewCronTool(sched)

	res := tool.Execute(context.Background(), map[string]interface{}{"action": "remove", "id": "job-1"})
	if res.IsError {
		t.Fatalf("remove: %s", res.ForLLM)
	}
	if len(sched.removed) != 1 || sched.removed[0] != "job-1" {
		t.Errorf("removed = %v", sched.removed)
	}
}

func TestCronToolAddInterval(t *testing.T) {
	sched := &fakeScheduler{}
	tool := NewCronTool(sched)

	res := tool.Execute(chatCtx("slack", "C1"), map[string]interface{}{
		"action":   "add",
		"every_ms": float64(300000),
		"message":  "check the queue",
	})
	if res.IsError {
		t.Fatalf("add: %s", res.ForLLM)
	}
	if len(sched.added) != 1 || sched.added[0].EveryMS != 300000 {
		t.Errorf("added = %+v", sched.added)
	}
	if !strings.Contains(res.ForLLM, "every 5m0s") {
		t.Errorf("confirmation = %q", res.ForLLM)
	}
}

func TestCronToolListIncludeDisabled(t *testing.T) {
	sched := &fakeScheduler{jobs: []cron.Job{
		{ID: "a", Name: "paused", Expr: "0 9 * * *", Message: "m"},
	}}
	tool := NewCronTool(sched)

	res := tool.Execute(context.Background(), map[string]interface{}{"action": "list"})
	if res.ForLLM != "No scheduled jobs." {
		t.Errorf("default list should hide disabled jobs, got %q", res.ForLLM)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{
		"action": "list", "include_disabled": true,
	})
	if !sched.listedAll {
		t.Error("include_disabled not forwarded to the scheduler")
	}
	if !strings.Contains(res.ForLLM, "[disabled]") {
		t.Errorf("disabled job not marked: %q", res.ForLLM)
	}
}

func TestCronToolEnableDisable(t *testing.T) {
	sched := &fakeScheduler{}
	tool := NewCronTool(sched)

	if res := tool.Execute(context.Background(), map[string]interface{}{"action": "disable", "id": "job-1"}); res.IsError {
		t.Fatalf("disable: %s", res.ForLLM)
	}
	if res := tool.Execute(context.Background(), map[string]interface{}{"action": "enable"}); !res.IsError {
		t.Error("enable without id should error")
	}
	if enabled, ok := sched.toggled["job-1"]; !ok || enabled {
		t.Errorf("toggled = %v", sched.toggled)
	}
}

func TestCronToolUnknownAction(t *testing.T) {
	tool := NewCronTool(&fakeScheduler{})
	res := tool.Execute(context.Background(), map[string]interface{}{"action": "pause"})
	if !res.IsError {
		t.Error("unknown action should error")
	}
}
