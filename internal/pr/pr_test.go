package pr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
)

func TestBuildRequest(t *testing.T) {
	s := config.PRSettings{
		Draft:            true,
		Labels:           []string{"automated"},
		DefaultReviewers: []string{"@alice"},
		ReviewersByPath:  map[string][]string{"docs/**": {"writers"}},
	}
	data := TemplateData{
		Task:         "# Document the cache\nfixes #7",
		Branch:       "ralph/abcd-integration",
		Base:         "main",
		RunID:        "abcd",
		ChangedFiles: []string{"docs/cache.md"},
	}

	req, err := BuildRequest(s, data)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if req.Title != "Document the cache" {
		t.Errorf("Title = %q", req.Title)
	}
	if req.Head != "ralph/abcd-integration" || req.Base != "main" || !req.Draft {
		t.Errorf("Request = %+v", req)
	}
	if !slices.Equal(req.Reviewers, []string{"alice", "writers"}) {
		t.Errorf("Reviewers = %v", req.Reviewers)
	}
	if !strings.Contains(req.Body, "Closes #7") {
		t.Errorf("Body should link the issue:\n%s", req.Body)
	}

	s.Template = "{{ .Nope }}"
	if _, err := BuildRequest(s, data); err == nil {
		t.Error("BuildRequest() with a broken template should fail")
	}
}

func TestGHCreator(t *testing.T) {
	var gotDir string
	var gotArgs []string
	g := &GHCreator{dir: "/repo", run: func(_ context.Context, dir string, args ...string) ([]byte, error) {
		gotDir, gotArgs = dir, args
		return []byte("Creating pull request for ralph/x into main\n\nhttps://github.com/o/r/pull/3\n"), nil
	}}

	url, err := g.Create(context.Background(), Request{
		Title:     "T",
		Body:      "B",
		Head:      "ralph/x",
		Base:      "main",
		Draft:     true,
		Reviewers: []string{"alice"},
		Labels:    []string{"bot"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if url != "https://github.com/o/r/pull/3" {
		t.Errorf("Create() url = %q", url)
	}
	want := "pr create --title T --body B --head ralph/x --base main --draft --reviewer alice --label bot"
	if gotDir != "/repo" || strings.Join(gotArgs, " ") != want {
		t.Errorf("gh ran in %q with %q, want %q", gotDir, strings.Join(gotArgs, " "), want)
	}
}

func TestGHCreatorFailure(t *testing.T) {
	g := &GHCreator{run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("no commits between main and ralph/x"), errors.New("exit status 1")
	}}
	_, err := g.Create(context.Background(), Request{Head: "ralph/x"})
	if err == nil || !strings.Contains(err.Error(), "no commits between") {
		t.Errorf("Create() error = %v", err)
	}
}

// fakeGitHub records the API calls an APICreator makes.
type fakeGitHub struct {
	mu       sync.Mutex
	paths    []string
	bodies   map[string]map[string]any
	failPath string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	if body == nil {
		// Labels are sent as a bare JSON array.
		var labels []any
		_ = json.Unmarshal(raw, &labels)
		body = map[string]any{"labels": labels}
	}
	f.bodies[r.URL.Path] = body

	if r.URL.Path == f.failPath {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/pulls"):
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":12,"html_url":"https://github.com/o/r/pull/12"}`))
	case strings.HasSuffix(r.URL.Path, "/labels"):
		_, _ = w.Write([]byte(`[]`))
	default:
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":12}`))
	}
}

func newFakeAPI(t *testing.T, failPath string) (*APICreator, *fakeGitHub) {
	t.Helper()
	fake := &fakeGitHub{bodies: make(map[string]map[string]any), failPath: failPath}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	a := newAPICreator(server.Client(), "o", "r")
	if err := a.withBaseURL(server.URL); err != nil {
		t.Fatal(err)
	}
	return a, fake
}

func TestAPICreator(t *testing.T) {
	a, fake := newFakeAPI(t, "")

	url, err := a.Create(context.Background(), Request{
		Title:     "T",
		Body:      "B",
		Head:      "ralph/x",
		Base:      "main",
		Draft:     true,
		Reviewers: []string{"alice", "org/core"},
		Labels:    []string{"bot"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if url != "https://github.com/o/r/pull/12" {
		t.Errorf("Create() url = %q", url)
	}

	want := []string{
		"POST /repos/o/r/pulls",
		"POST /repos/o/r/pulls/12/requested_reviewers",
		"POST /repos/o/r/issues/12/labels",
	}
	if !slices.Equal(fake.paths, want) {
		t.Errorf("API calls = %v, want %v", fake.paths, want)
	}
	pull := fake.bodies["/repos/o/r/pulls"]
	if pull["title"] != "T" || pull["head"] != "ralph/x" || pull["base"] != "main" || pull["draft"] != true {
		t.Errorf("create body = %v", pull)
	}
	reviewers := fake.bodies["/repos/o/r/pulls/12/requested_reviewers"]
	if got := reviewers["team_reviewers"]; len(got.([]any)) != 1 || got.([]any)[0] != "core" {
		t.Errorf("team reviewers = %v", got)
	}
}

func TestAPICreatorSkipsEmptyFollowUps(t *testing.T) {
	a, fake := newFakeAPI(t, "")
	if _, err := a.Create(context.Background(), Request{Title: "T", Head: "h", Base: "main"}); err != nil {
		t.Fatal(err)
	}
	if len(fake.paths) != 1 {
		t.Errorf("API calls = %v, want only the create call", fake.paths)
	}
}

func TestAPICreatorReviewerFailureKeepsURL(t *testing.T) {
	a, _ := newFakeAPI(t, "/repos/o/r/pulls/12/requested_reviewers")
	url, err := a.Create(context.Background(), Request{Title: "T", Head: "h", Base: "main", Reviewers: []string{"ghost"}})
	if err == nil {
		t.Fatal("Create() should report the reviewer failure")
	}
	if url != "https://github.com/o/r/pull/12" {
		t.Errorf("Create() url = %q, want the created PR", url)
	}
}

type staticRepo struct {
	owner, name string
	err         error
}

func (s staticRepo) GitHubRepository() (string, string, error) { return s.owner, s.name, s.err }

func TestNew(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, config.PRSettings{Provider: config.ProviderGH}, "/repo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*GHCreator); !ok {
		t.Errorf("gh provider returned %T", c)
	}

	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "")
	if _, err := New(ctx, config.PRSettings{Provider: config.ProviderAPI}, "", staticRepo{owner: "o", name: "r"}); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("api provider without token error = %v, want ErrConfig", err)
	}

	t.Setenv("GH_TOKEN", "secret")
	c, err = New(ctx, config.PRSettings{Provider: config.ProviderAPI}, "", staticRepo{owner: "o", name: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if a, ok := c.(*APICreator); !ok || a.owner != "o" || a.repo != "r" {
		t.Errorf("api provider returned %#v", c)
	}

	if _, err := New(ctx, config.PRSettings{Provider: config.ProviderAPI}, "", staticRepo{err: errors.ErrNoRemote}); !errors.Is(err, errors.ErrNoRemote) {
		t.Errorf("api provider without remote error = %v", err)
	}
	if _, err := New(ctx, config.PRSettings{Provider: "gitlab"}, "", nil); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("unknown provider error = %v", err)
	}
}
