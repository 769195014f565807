// Package slurmgw implements gateway.Gateway by shelling out to a Slurm
// command-line toolchain: sbatch, sacct, scancel, squeue. Every invocation
// goes through os/exec with an explicit argument vector — arguments are
// never interpolated into a shell string — and transient failures (rate
// limiting, a momentarily busy accounting database) are retried with
// bounded backoff before being surfaced to the caller.
package slurmgw

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scootdev/escalate/classify"
	"github.com/scootdev/escalate/gateway"
)

// Gateway talks to Slurm via its command-line tools.
type Gateway struct {
	// Runner executes a command and returns its combined stdout. Overridden
	// in tests to avoid actually invoking sbatch/sacct/etc.
	Runner func(ctx context.Context, name string, args ...string) (string, error)
	// NewBackOff returns a fresh backoff policy per call; overridden in
	// tests to avoid real sleeps.
	NewBackOff func() backoff.BackOff
	// MaxAttempts bounds the bounded-retry policy for transient errors.
	MaxAttempts uint64
	// Limiter caps how often this Gateway shells out, so a chain escalating
	// many rounds in a tight loop doesn't hammer the controller daemon the
	// same way a misbehaving client would. nil disables limiting.
	Limiter *rate.Limiter
}

// New returns a Gateway that shells out to the real Slurm binaries with a
// short exponential backoff on transient errors, rate-limited to 5 commands
// per second with a burst of 2.
func New() *Gateway {
	return &Gateway{
		Runner:      runCommand,
		NewBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		MaxAttempts: 4,
		Limiter:     rate.NewLimiter(rate.Limit(5), 2),
	}
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Limiter == nil {
		return nil
	}
	return g.Limiter.Wait(ctx)
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// transientError marks an error as retryable by withRetry.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var t transientError
	return errorsAs(err, &t)
}

// errorsAs is a tiny local errors.As to avoid importing errors just for this.
func errorsAs(err error, target *transientError) bool {
	for err != nil {
		if t, ok := err.(transientError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (g *Gateway) withRetry(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	var out string
	attempt := 0
	retryable := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		if err := g.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		out, err = fn()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			log.WithError(err).WithField("op", op).WithField("attempt", attempt).Warn("slurmgw: transient error, retrying")
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(retryable, backoff.WithMaxRetries(g.NewBackOff(), g.MaxAttempts))
	return out, unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

// lastLine returns the contract "the meaningful result is on the last
// line," tolerating arbitrary warnings on preceding lines.
func lastLine(output string) string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	last := ""
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

// Submit shells out to sbatch. script args flow through as a literal
// trailing argument vector, never joined into one string.
func (g *Gateway) Submit(ctx context.Context, arraySpec string, res gateway.Resources, script string, args []string, env []gateway.EnvBinding, dep gateway.Dependency) (string, error) {
	cmdArgs := []string{
		"--parsable",
		"--array=" + arraySpec,
		"--mem=" + res.Memory,
		"--time=" + res.WallTime,
	}
	if len(res.Partitions) > 0 {
		cmdArgs = append(cmdArgs, "--partition="+strings.Join(res.Partitions, ","))
	}
	if res.Throttle > 0 {
		cmdArgs[1] = fmt.Sprintf("--array=%s%%%d", arraySpec, res.Throttle)
	}
	if res.OutputPath != "" {
		cmdArgs = append(cmdArgs, "--output="+res.OutputPath)
	}
	if res.ErrorPath != "" {
		cmdArgs = append(cmdArgs, "--error="+res.ErrorPath)
	}
	if !dep.IsZero() {
		cmdArgs = append(cmdArgs, "--dependency="+dep.Expr)
	}
	for _, e := range env {
		cmdArgs = append(cmdArgs, "--export="+e.Key+"="+e.Value)
	}
	cmdArgs = append(cmdArgs, script)
	cmdArgs = append(cmdArgs, args...)

	out, err := g.withRetry(ctx, "submit", func() (string, error) {
		raw, err := g.Runner(ctx, "sbatch", cmdArgs...)
		if err != nil {
			return "", transientError{err}
		}
		return raw, nil
	})
	if err != nil {
		return "", fmt.Errorf("slurmgw: submit: %w", err)
	}
	jobID := strings.TrimSuffix(lastLine(out), ";")
	if jobID == "" {
		return "", fmt.Errorf("slurmgw: submit: sbatch produced no job id, output: %q", out)
	}
	if _, err := strconv.Atoi(firstField(jobID)); err != nil {
		return "", fmt.Errorf("slurmgw: submit: unparseable job id %q: %w", jobID, err)
	}
	return jobID, nil
}

func firstField(s string) string {
	if i := strings.IndexAny(s, ";,"); i >= 0 {
		return s[:i]
	}
	return s
}

// sacctFields matches the --format columns requested in Classify.
const sacctFields = "JobID,State,ExitCode,Elapsed,NodeList,MaxRSS"

// Classify shells out to sacct and parses one record per array task.
func (g *Gateway) Classify(ctx context.Context, jobID string) ([]classify.TaskOutcome, error) {
	out, err := g.withRetry(ctx, "classify", func() (string, error) {
		raw, err := g.Runner(ctx, "sacct", "-n", "-X", "-j", jobID, "--format="+sacctFields, "--parsable2")
		if err != nil {
			return "", transientError{err}
		}
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("slurmgw: classify %s: %w", jobID, err)
	}
	return parseSacct(out)
}

func parseSacct(output string) ([]classify.TaskOutcome, error) {
	var records []classify.TaskOutcome
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 6 {
			continue
		}
		idx, err := taskIndex(fields[0])
		if err != nil {
			continue // warning/header line, not a task record
		}
		state := firstWord(fields[1])
		exitCode := mainExitCode(fields[2])
		records = append(records, classify.TaskOutcome{
			Index:     idx,
			State:     state,
			ExitCode:  exitCode,
			ElapsedMS: parseElapsedMS(fields[3]),
			Node:      fields[4],
			PeakMemKB: parseMaxRSSKB(fields[5]),
		})
	}
	return records, nil
}

func taskIndex(jobSpec string) (int, error) {
	parts := strings.SplitN(jobSpec, "_", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("not an array task spec: %q", jobSpec)
	}
	return strconv.Atoi(parts[1])
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[0]
}

func mainExitCode(exitCode string) int {
	main := exitCode
	if i := strings.IndexByte(exitCode, ':'); i >= 0 {
		main = exitCode[:i]
	}
	n, _ := strconv.Atoi(main)
	return n
}

func parseElapsedMS(elapsed string) int64 {
	// [DD-]HH:MM:SS
	var days, hours, mins, secs int64
	rest := elapsed
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		days, _ = strconv.ParseInt(rest[:i], 10, 64)
		rest = rest[i+1:]
	}
	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 3:
		hours, _ = strconv.ParseInt(parts[0], 10, 64)
		mins, _ = strconv.ParseInt(parts[1], 10, 64)
		secs, _ = strconv.ParseInt(parts[2], 10, 64)
	case 2:
		mins, _ = strconv.ParseInt(parts[0], 10, 64)
		secs, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	total := ((days*24+hours)*60+mins)*60 + secs
	return total * 1000
}

func parseMaxRSSKB(maxRSS string) int64 {
	maxRSS = strings.TrimSpace(maxRSS)
	if maxRSS == "" {
		return 0
	}
	unit := maxRSS[len(maxRSS)-1]
	numPart := maxRSS
	mult := int64(1)
	switch unit {
	case 'K':
		numPart = maxRSS[:len(maxRSS)-1]
	case 'M':
		numPart = maxRSS[:len(maxRSS)-1]
		mult = 1024
	case 'G':
		numPart = maxRSS[:len(maxRSS)-1]
		mult = 1024 * 1024
	}
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0
	}
	return int64(n * float64(mult))
}

// Cancel shells out to scancel. Best-effort: a failure cancelling one job
// id does not prevent attempting the rest.
func (g *Gateway) Cancel(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, err := g.Runner(ctx, "scancel", jobIDs...)
	if err != nil {
		log.WithError(err).WithField("job_ids", jobIDs).Warn("slurmgw: cancel failed, best-effort")
	}
	return nil
}

// ListUserJobs shells out to squeue for the invoking user.
func (g *Gateway) ListUserJobs(ctx context.Context) ([]gateway.UserJob, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	out, err := g.Runner(ctx, "squeue", "--me", "-h", "-o", "%i|%j|%T")
	if err != nil {
		return nil, fmt.Errorf("slurmgw: list user jobs: %w", err)
	}
	var jobs []gateway.UserJob
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 3)
		if len(fields) != 3 {
			continue
		}
		jobs = append(jobs, gateway.UserJob{JobID: fields[0], Name: fields[1], State: fields[2]})
	}
	return jobs, nil
}

// DepOnFailure builds a dependency firing once every job id in jobIDs has
// resolved and at least one did not complete successfully. For more than
// one job id this always uses the any-outcome form (afterany), per §4.4/§9:
// a pure on-failure (afternotok) dependency across multiple batches becomes
// permanently unsatisfiable the moment one batch has zero failures.
func (g *Gateway) DepOnFailure(jobIDs []string) gateway.Dependency {
	if len(jobIDs) > 1 {
		return gateway.Dependency{Expr: depExpr("afterany", jobIDs)}
	}
	return gateway.Dependency{Expr: depExpr("afternotok", jobIDs)}
}

// DepOnSuccess is the symmetric "everything succeeded" dependency.
func (g *Gateway) DepOnSuccess(jobIDs []string) gateway.Dependency {
	if len(jobIDs) > 1 {
		return gateway.Dependency{Expr: depExpr("afterany", jobIDs)}
	}
	return gateway.Dependency{Expr: depExpr("afterok", jobIDs)}
}

// depExpr joins jobIDs into a single dependency clause of the given type,
// e.g. "afterany:123:124:125".
func depExpr(depType string, jobIDs []string) string {
	return depType + ":" + strings.Join(jobIDs, ":")
}
