package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/api"
	"github.com/mmeshcher/raw2insight/internal/config"
	"github.com/mmeshcher/raw2insight/internal/model"
	"github.com/mmeshcher/raw2insight/internal/service"
	"github.com/mmeshcher/raw2insight/internal/session"
	"github.com/mmeshcher/raw2insight/internal/validation"
)

var errUsage = errors.New("usage")

// reportedError: ошибка, о которой пользователь уже уведомлён.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

func isReported(err error) bool {
	var re *reportedError
	return errors.As(err, &re)
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	stdout   io.Writer
	stderr   io.Writer
	notifier session.Notifier
	client   *api.Client
	session  *session.Manager
	orch     *service.Orchestrator
	watcher  *service.Watcher
}

type command struct {
	name         string
	summary      string
	needsSession bool
	needsAuth    bool
	run          func(ctx context.Context, a *app, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{name: "signup", summary: "create an account", needsSession: true, run: cmdSignup},
		{name: "login", summary: "sign in", needsSession: true, run: cmdLogin},
		{name: "logout", summary: "sign out", run: cmdLogout},
		{name: "whoami", summary: "show the signed-in user", needsSession: true, run: cmdWhoami},
		{name: "upload", summary: "upload a document and wait for results", needsSession: true, needsAuth: true, run: cmdUpload},
		{name: "status", summary: "show job status (-watch to follow)", needsSession: true, needsAuth: true, run: cmdStatus},
		{name: "result", summary: "show or export job results", needsSession: true, needsAuth: true, run: cmdResult},
		{name: "save", summary: "save corrected extracted data", needsSession: true, needsAuth: true, run: cmdSave},
		{name: "documents", summary: "list document history", needsSession: true, needsAuth: true, run: cmdDocuments},
		{name: "jobs", summary: "list jobs", needsSession: true, needsAuth: true, run: cmdJobs},
		{name: "stats", summary: "dashboard counters for recent documents", needsSession: true, needsAuth: true, run: cmdStats},
		{name: "cleanup", summary: "delete a job and its data", needsSession: true, needsAuth: true, run: cmdCleanup},
		{name: "health", summary: "backend health check", run: cmdHealth},
		{name: "ping", summary: "backend liveness check", run: cmdPing},
	}
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func cmdSignup(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("signup", a.stderr)
	form := validation.SignupForm{}
	fs.StringVar(&form.FullName, "name", "", "full name")
	fs.StringVar(&form.Email, "email", "", "email")
	fs.StringVar(&form.Password, "password", "", "password")
	fs.StringVar(&form.ConfirmPassword, "confirm", "", "password confirmation")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}

	if err := form.Validate(); err != nil {
		return err
	}

	resp, err := a.session.Signup(ctx, form.Email, form.Password, form.FullName)
	if err != nil {
		return reported(err)
	}
	fmt.Fprintf(a.stdout, "Signed in as %s (%s)\n", resp.User.FullName, resp.User.Email)
	return nil
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("login", a.stderr)
	form := validation.LoginForm{}
	fs.StringVar(&form.Email, "email", "", "email")
	fs.StringVar(&form.Password, "password", "", "password")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}

	if err := form.Validate(); err != nil {
		return err
	}

	resp, err := a.session.Login(ctx, form.Email, form.Password)
	if err != nil {
		return reported(err)
	}
	fmt.Fprintf(a.stdout, "Signed in as %s (%s)\n", resp.User.FullName, resp.User.Email)
	return nil
}

func cmdLogout(ctx context.Context, a *app, _ []string) error {
	a.session.Logout(ctx)
	return nil
}

func cmdWhoami(_ context.Context, a *app, _ []string) error {
	st := a.session.State()
	if !st.IsAuthenticated {
		fmt.Fprintln(a.stdout, "Not logged in.")
		return nil
	}
	return printJSON(a.stdout, st.User)
}

func cmdUpload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("upload", a.stderr)
	out := fs.String("o", "", "write results JSON to this file")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if fs.NArg() != 1 {
		return usageError("upload expects exactly one file path")
	}

	info, err := validation.UploadFile(fs.Arg(0), a.cfg.MaxFileSize)
	if err != nil {
		return err
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var last model.Progress
	outcome, err := a.orch.UploadAndProcess(ctx, api.UploadFile{
		Name:        info.Name,
		ContentType: info.ContentType,
		Size:        info.Size,
		Body:        f,
	}, func(p model.Progress) {
		if p == last {
			return
		}
		last = p
		printProgress(a.stderr, p)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, api.ErrUnauthorized) {
			a.notifier.Error(err.Error())
			return reported(err)
		}
		return err
	}

	a.notifier.Success("Processing completed!")
	if *out != "" {
		return exportResult(a, outcome.Results, *out)
	}
	return printJSON(a.stdout, outcome.Results)
}

func printProgress(w io.Writer, p model.Progress) {
	switch p.Stage {
	case model.StageUploading:
		fmt.Fprintf(w, "uploading   %3d%%\n", p.Progress)
	case model.StageProcessing:
		status := p.Status
		if status == "" {
			status = model.JobStatusUploaded
		}
		fmt.Fprintf(w, "processing  %3d%%  %s  job=%s\n", p.Progress, status, p.JobID)
	case model.StageRetrieving:
		fmt.Fprintf(w, "retrieving  %3d%%  job=%s\n", p.Progress, p.JobID)
	}
}

func cmdStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("status", a.stderr)
	watch := fs.Bool("watch", false, "follow the job until it finishes")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if fs.NArg() != 1 {
		return usageError("status expects a job id")
	}
	jobID := fs.Arg(0)

	if !*watch {
		job, err := a.client.JobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		return printJSON(a.stdout, job)
	}

	updates, unsubscribe := a.watcher.Subscribe(ctx, jobID)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return nil
			}
			if u.Err != nil {
				if errors.Is(u.Err, api.ErrUnauthorized) {
					return u.Err
				}
				a.notifier.Error("Failed to get status")
				return reported(u.Err)
			}

			job := u.Job
			fmt.Fprintf(a.stdout, "%s  %-10s %3d%%  %s\n", time.Now().Format(time.TimeOnly), job.Status, job.Progress, job.Message)
			switch job.Status {
			case model.JobStatusCompleted:
				a.notifier.Success("Processing completed!")
				return nil
			case model.JobStatusFailed:
				msg := job.Error
				if msg == "" {
					msg = "Processing failed"
				}
				a.notifier.Error(msg)
				return reported(errors.New(msg))
			}
		}
	}
}

func cmdResult(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("result", a.stderr)
	out := fs.String("o", "", "write results JSON to this file")
	export := fs.Bool("export", false, "write results to results_<jobId>.json")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if fs.NArg() != 1 {
		return usageError("result expects a job id")
	}
	jobID := fs.Arg(0)

	res, err := a.client.Result(ctx, jobID)
	if err != nil {
		a.notifier.Error("Failed to load results")
		return err
	}

	path := *out
	if path == "" && *export {
		path = defaultExportName(jobID)
	}
	if path == "" {
		return printJSON(a.stdout, res)
	}
	return exportResult(a, res, path)
}

func defaultExportName(jobID string) string {
	return "results_" + jobID + ".json"
}

func exportResult(a *app, res *model.Result, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	a.notifier.Success("JSON downloaded")
	fmt.Fprintln(a.stdout, path)
	return nil
}

func cmdSave(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("save", a.stderr)
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if fs.NArg() != 2 {
		return usageError("save expects a job id and a JSON file (or - for stdin)")
	}
	jobID, src := fs.Arg(0), fs.Arg(1)

	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("open data file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var data model.ExtractedData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("decode extracted data: %w", err)
	}

	resp, err := a.client.SaveExtractedData(ctx, jobID, data)
	if err != nil {
		return err
	}
	a.notifier.Success("Changes saved")
	return printJSON(a.stdout, resp)
}

func cmdDocuments(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("documents", a.stderr)
	status := fs.String("status", service.StatusFilterAll, "filter by status: all, completed, processing, failed")
	order := fs.String("sort", string(service.SortDesc), "sort by creation time: asc or desc")
	skip := fs.Int("skip", 0, "documents to skip")
	limit := fs.Int("limit", 100, "max documents to fetch")
	if err := fs.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if *order != string(service.SortAsc) && *order != string(service.SortDesc) {
		return usageError("sort must be asc or desc")
	}

	docs, err := a.client.MyDocuments(ctx, *skip, *limit)
	if err != nil {
		a.notifier.Error("Failed to load history")
		return reported(err)
	}

	docs = service.SortByCreatedAt(service.FilterByStatus(docs, *status), service.SortOrder(*order))
	if len(docs) == 0 {
		fmt.Fprintln(a.stdout, "No documents.")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tFILE\tSTATUS\tVENDOR\tITEMS\tTOTAL\tCREATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.JobID, d.Filename, d.Status,
			strOrDash(d.Vendor), intOrDash(d.ItemsCount), amountOrDash(d.TotalAmount),
			d.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return tw.Flush()
}

func cmdJobs(ctx context.Context, a *app, _ []string) error {
	jobs, err := a.client.Jobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(a.stdout, "No jobs.")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tFILE\tSTATUS\tPROGRESS\tMESSAGE")
	for _, j := range jobs {
		msg := j.Message
		if j.Error != "" {
			msg = j.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", j.JobID, j.Filename, j.Status, j.Progress, msg)
	}
	return tw.Flush()
}

func cmdStats(ctx context.Context, a *app, _ []string) error {
	docs, err := a.client.MyDocuments(ctx, 0, service.DashboardLimit)
	if err != nil {
		a.notifier.Error("Failed to load documents")
		return reported(err)
	}
	return printJSON(a.stdout, service.ComputeStats(docs))
}

func cmdCleanup(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usageError("cleanup expects a job id")
	}

	if _, err := a.client.Cleanup(ctx, args[0]); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return err
		}
		a.notifier.Error("Failed to delete document")
		return reported(err)
	}
	a.notifier.Success("Document deleted")
	return nil
}

func cmdHealth(ctx context.Context, a *app, _ []string) error {
	h, err := a.client.Health(ctx)
	if err != nil {
		return err
	}
	return printJSON(a.stdout, h)
}

func cmdPing(ctx context.Context, a *app, _ []string) error {
	h, err := a.client.Ping(ctx)
	if err != nil {
		return err
	}
	return printJSON(a.stdout, h)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func intOrDash(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

func amountOrDash(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', 2, 64)
}
