package job_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/payload"
)

type reportInput struct {
	Day   string `json:"day"`
	Pages int    `json:"pages"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got reportInput
	def := job.NewDefinition("report", func(_ context.Context, _ *job.Context, in reportInput) error {
		got = in
		return nil
	})
	job.RegisterDefinition(r, def)

	h, ok := r.Get("report")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	jc := &job.Context{Data: payload.DataMap{"day": "2024-03-01", "pages": 4}}
	if err := h(context.Background(), jc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Day != "2024-03-01" || got.Pages != 4 {
		t.Errorf("decoded %+v", got)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered type")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := job.NewRegistry()
	noop := func(_ context.Context, _ *job.Context, _ struct{}) error { return nil }

	job.RegisterDefinition(r, job.NewDefinition("job-a", noop))
	job.RegisterDefinition(r, job.NewDefinition("job-b", noop))
	r.Register("job-c", func(context.Context, *job.Context) error { return nil })

	names := r.Names()
	sort.Strings(names)
	expected := []string{"job-a", "job-b", "job-c"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d names, got %d", len(expected), len(names))
	}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want)
		}
	}
}

func TestRegistry_MismatchedData(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed", func(_ context.Context, _ *job.Context, _ reportInput) error {
		t.Fatal("handler should not be called with mismatched data")
		return nil
	}))

	h, _ := r.Get("typed")
	err := h(context.Background(), &job.Context{Data: payload.DataMap{"pages": "many"}})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ *job.Context, _ struct{}) error {
		return want
	}))

	h, _ := r.Get("failing")
	if err := h(context.Background(), &job.Context{}); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestDefinition_NewJob(t *testing.T) {
	def := job.NewDefinition("report",
		func(context.Context, *job.Context, struct{}) error { return nil },
		job.WithGroup("reports"),
		job.WithStateful(),
		job.WithRequestsRecovery(),
		job.WithDurable(),
		job.WithDescription("daily report"),
	)

	j := def.NewJob("daily", []byte(`{"day":"x"}`))
	if j.Key != job.NewKey("daily", "reports") {
		t.Errorf("unexpected key %v", j.Key)
	}
	if j.Type != "report" {
		t.Errorf("Type = %q", j.Type)
	}
	if !j.Stateful || !j.RequestsRecovery || !j.Durable || j.Volatile {
		t.Errorf("unexpected flags %+v", j)
	}
	if j.CreatedAt.IsZero() {
		t.Error("expected entity timestamps")
	}
}

func TestKey(t *testing.T) {
	k := job.NewKey("nightly", "")
	if k.Group != job.DefaultGroup {
		t.Errorf("expected default group, got %q", k.Group)
	}
	if k.String() != "DEFAULT.nightly" {
		t.Errorf("String() = %q", k.String())
	}
	if err := k.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (job.Key{Group: "g"}).Validate(); err == nil {
		t.Error("expected error for empty name")
	}
	if err := (job.Key{Name: "n"}).Validate(); err == nil {
		t.Error("expected error for empty group")
	}
}

func TestClone(t *testing.T) {
	j := &job.Job{Key: job.NewKey("a", ""), Data: []byte("x")}
	c := j.Clone()
	c.Data[0] = 'y'
	if string(j.Data) != "x" {
		t.Error("clone must not share data")
	}
}
