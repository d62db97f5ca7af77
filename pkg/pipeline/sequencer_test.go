package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/pkg/clock"
	"github.com/3leaps/imputeflow/pkg/jobregistry"
	"github.com/3leaps/imputeflow/pkg/layout"
	"github.com/3leaps/imputeflow/pkg/partition"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/scheduler/schedulertest"
)

const testRunID = "4f9c2a1e-7b3d-4c55-9e21-0d8a6b7c1f20"

// cluster simulates the tools: when a job leaves the fake queue it writes
// the artifacts that job would have produced.
type cluster struct {
	t          *testing.T
	l          *layout.Layout
	firstPos   map[string]int64
	skipConcat map[string]bool
	lost       map[string]bool
}

func (c *cluster) write(path, content string) {
	require.NoError(c.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(c.t, os.WriteFile(path, []byte(content), 0644))
}

func (c *cluster) complete(spec scheduler.JobSpec) {
	l := c.l
	chromosomes := partition.Autosomes()
	switch Name(spec.Stage) {
	case Preprocess:
		c.write(l.QCBase()+".bed", "bed")
		c.write(l.QCBase()+".bim", "1 rs1 0 100 A G\n")
		c.write(l.QCBase()+".fam", "f1 i1 0 0 1 -9\n")
	case PartitionSplit:
		for _, chr := range chromosomes {
			for _, ext := range splitExts {
				c.write(l.SplitWorkBase(chr.String())+ext, "split\n")
			}
		}
	case Phase:
		for _, chr := range chromosomes {
			cs := chr.String()
			pos, ok := c.firstPos[cs]
			if !ok {
				pos = 10
			}
			c.write(l.PhasedHaps(cs), fmt.Sprintf("%s rs1 %d A G 0 1\n", cs, pos))
			c.write(l.PhasedSample(cs), "ID_1 ID_2 missing\n")
		}
	case Impute:
		if out := argAfter(spec.Command, "-o"); !c.lost[out] {
			c.write(out, "--- rs1 100 A G 1 0 0\n")
		}
	case Concatenate:
		for _, chr := range chromosomes {
			cs := chr.String()
			if c.skipConcat[cs] {
				c.write(filepath.Join(l.Folders.SchedulerLogs, spec.Name+"_9_"+cs+".err"), "concat: no segments for chr"+cs+"\n")
				continue
			}
			c.write(l.Concatenated(cs), "--- rs1 100 A G 1 0 0\n")
		}
	case SortEncode:
		for _, chr := range chromosomes {
			c.write(l.Encoded(chr.String()), "encoded")
		}
	case FormatConvert:
		for _, chr := range chromosomes {
			c.write(l.Converted(chr.String()), "vcf")
		}
	case Merge:
		c.write(l.Merged(), "merged vcf")
	}
}

func argAfter(argv []string, flag string) string {
	for i, arg := range argv {
		if arg == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

type recorder struct {
	NopObserver
	started  []Name
	finished []StageResult
	warnings []error
	waits    []int
	onSubmit func(Submission)
	onWait   func()
}

func (r *recorder) StageStarted(s StageStart)   { r.started = append(r.started, s.Stage.Name) }
func (r *recorder) StageFinished(s StageResult) { r.finished = append(r.finished, s) }
func (r *recorder) Warning(_ Name, err error)   { r.warnings = append(r.warnings, err) }
func (r *recorder) JobSubmitted(s Submission) {
	if r.onSubmit != nil {
		r.onSubmit(s)
	}
}
func (r *recorder) GovernorWait(_ Name, depth int, _ error) {
	r.waits = append(r.waits, depth)
	if r.onWait != nil {
		r.onWait()
	}
}

type harness struct {
	l       *layout.Layout
	fake    *schedulertest.Fake
	clock   *clock.Fake
	obs     *recorder
	cluster *cluster
	reg     *jobregistry.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	l, err := layout.New("cohort", "1000GP_Phase3", layout.Folders{
		Work:          filepath.Join(root, "work"),
		Chromosomes:   filepath.Join(root, "chromosomes"),
		SchedulerLogs: filepath.Join(root, "logs", "scheduler"),
		PhasingLogs:   filepath.Join(root, "logs", "phasing"),
		Imputed:       filepath.Join(root, "imputed"),
		Output:        filepath.Join(root, "output"),
		Reference:     filepath.Join(root, "reference"),
	})
	require.NoError(t, err)

	h := &harness{
		l:       l,
		clock:   &clock.Fake{},
		obs:     &recorder{},
		cluster: &cluster{t: t, l: l, firstPos: map[string]int64{"21": 20_300_000}, skipConcat: map[string]bool{}, lost: map[string]bool{}},
		reg:     jobregistry.NewStore(filepath.Join(root, "state")),
	}
	h.fake = &schedulertest.Fake{OnComplete: h.cluster.complete}
	return h
}

func testConfig(t *testing.T) Config {
	t.Helper()
	lengths := make(map[partition.Chromosome]int)
	for _, c := range partition.Autosomes() {
		lengths[c] = 1
	}
	lengths[21] = 49
	table, err := partition.NewLengths(lengths)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RunID = testRunID
	cfg.Tag = ""
	cfg.Lengths = table
	cfg.Thresholds = Thresholds{EncodedMinBytes: 1, MergedMinBytes: 1}
	return cfg
}

func (h *harness) sequencer(t *testing.T, cfg Config) *Sequencer {
	t.Helper()
	s, err := New(h.l, cfg, Deps{Client: h.fake, Registry: h.reg, Observer: h.obs, Sleeper: h.clock})
	require.NoError(t, err)
	return s
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNew_RequiresLayoutAndClient(t *testing.T) {
	h := newHarness(t)
	_, err := New(nil, testConfig(t), Deps{Client: h.fake})
	require.Error(t, err)
	_, err = New(h.l, testConfig(t), Deps{})
	require.Error(t, err)

	cfg := testConfig(t)
	cfg.Tools = map[Name][]string{Cleanup: {"rm", "-rf", "/"}}
	_, err = New(h.l, cfg, Deps{Client: h.fake})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a submitted stage")
}

func TestRun_FullWorkflow(t *testing.T) {
	h := newHarness(t)
	s := h.sequencer(t, testConfig(t))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sum.Stages, 9)
	for _, r := range sum.Stages[:8] {
		assert.Equal(t, StatusSatisfied, r.Status, "stage %s", r.Stage)
	}
	assert.Equal(t, Cleanup, sum.Stages[8].Stage)
	assert.Equal(t, "retention policy keeps all artifacts", sum.Stages[8].Reason)
	assert.Equal(t, "if4f9c2a1e", s.Config().Tag)

	for _, name := range []string{"preprocess", "partition-split", "phase", "concatenate", "sort-and-encode", "format-convert", "merge"} {
		jobs := h.fake.JobsForStage(name)
		require.Len(t, jobs, 1, name)
		assert.Equal(t, "if4f9c2a1e_"+name, jobs[0].Spec.Name)
	}
	for _, name := range []string{"partition-split", "phase", "concatenate", "sort-and-encode", "format-convert"} {
		job := h.fake.JobsForStage(name)[0]
		require.NotNil(t, job.Spec.Array)
		assert.Equal(t, 22, job.Spec.Tasks())
	}

	merge := h.fake.JobsForStage("merge")[0].Spec.Command
	assert.Equal(t, []string{"bcftools", "concat", "-Oz", "-o", h.l.Merged()}, merge[:5])
	assert.Len(t, merge, 5+22)
	assert.Equal(t, h.l.Converted("1"), merge[5])

	assert.True(t, exists(h.l.Merged()))
	assert.True(t, exists(h.l.SplitBase("7")+".bim"), "split filesets are relocated into the chromosome store")
	assert.False(t, exists(h.l.SplitWorkBase("7")+".bim"))
	assert.DirExists(t, h.l.Folders.PhasingLogs)

	assert.Equal(t, sum.Jobs(), len(h.fake.Jobs()))
	records, err := h.reg.ListJobs(testRunID)
	require.NoError(t, err)
	assert.Len(t, records, len(h.fake.Jobs()))
	for _, rec := range records {
		assert.Equal(t, jobregistry.JobStateCompleted, rec.State, rec.Name)
	}
}

func TestRun_Chr21Segments(t *testing.T) {
	h := newHarness(t)
	s := h.sequencer(t, testConfig(t))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	jobs := h.fake.JobsForStage("impute")
	require.Len(t, jobs, 21*2+30)

	var chr21 []scheduler.JobSpec
	for _, j := range jobs {
		if strings.HasPrefix(filepath.Base(argAfter(j.Spec.Command, "-o")), "cohort_chr21.") {
			chr21 = append(chr21, j.Spec)
		}
	}
	require.Len(t, chr21, 30)
	i := indexOf(chr21[0].Command, "-int")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, []string{"20000001", "21000000"}, chr21[0].Command[i+1:i+3])
	assert.Equal(t, h.l.Segment("21", 49), argAfter(chr21[29].Command, "-o"))
	assert.Nil(t, chr21[0].Array)

	impute := sum.Stages[3]
	assert.Equal(t, Impute, impute.Stage)
	assert.Equal(t, 72, impute.Units)
	assert.Equal(t, 72, impute.Jobs)
	assert.Equal(t, 72, impute.Artifacts)
}

func indexOf(argv []string, s string) int {
	for i, a := range argv {
		if a == s {
			return i
		}
	}
	return -1
}

func TestRun_ConcatenateShortfallStopsRun(t *testing.T) {
	h := newHarness(t)
	h.cluster.skipConcat["22"] = true
	s := h.sequencer(t, testConfig(t))

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsValidationFailure(err))

	var vf *ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, Concatenate, vf.Stage)
	assert.Equal(t, "concatenate: expected 22, found 21", vf.Reason)
	require.NotEmpty(t, vf.LogTail)
	assert.Contains(t, vf.Detail(), "no segments for chr22")

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, Concatenate, stage)

	assert.Empty(t, h.fake.JobsForStage("sort-and-encode"))
	failed, ok := sum.Failed()
	require.True(t, ok)
	assert.Equal(t, Concatenate, failed.Stage)
	assert.NotContains(t, sum.ByStatus(StatusSatisfied), "cleanup")

	records, err := h.reg.ListJobs(testRunID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Stage == string(Concatenate) {
			assert.Equal(t, jobregistry.JobStateFailed, rec.State)
		}
	}
}

func TestRun_ResumesAfterSplit(t *testing.T) {
	h := newHarness(t)
	for _, c := range partition.Autosomes() {
		for _, ext := range splitExts {
			h.cluster.write(h.l.SplitBase(c.String())+ext, "split\n")
		}
	}
	s := h.sequencer(t, testConfig(t))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.fake.JobsForStage("preprocess"))
	assert.Empty(t, h.fake.JobsForStage("partition-split"))
	assert.Len(t, h.fake.JobsForStage("phase"), 1)

	assert.Equal(t, StatusSkipped, sum.Stages[0].Status)
	assert.Equal(t, "downstream stage partition-split already satisfied", sum.Stages[0].Reason)
	assert.Equal(t, StatusSkipped, sum.Stages[1].Status)
	assert.Equal(t, "artifacts present", sum.Stages[1].Reason)
}

func TestRun_CompletedRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, err := h.sequencer(t, testConfig(t)).Run(context.Background())
	require.NoError(t, err)
	first := len(h.fake.Jobs())

	sum, err := h.sequencer(t, testConfig(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.fake.Jobs(), first)
	assert.Equal(t, 0, sum.Jobs())
	assert.Len(t, sum.ByStatus(StatusSkipped), 8)
	assert.Equal(t, "artifacts present", sum.Stages[7].Reason)
	assert.Equal(t, "downstream stage merge already satisfied", sum.Stages[3].Reason)
}

func TestRun_ImputeSkipsCompletedSegments(t *testing.T) {
	h := newHarness(t)
	h.cluster.complete(scheduler.JobSpec{Stage: string(Phase)})
	for off := 20; off < 30; off++ {
		h.cluster.write(h.l.Segment("21", off), "done\n")
	}
	h.cluster.write(h.l.Segment("3", 1), "done\n")
	s := h.sequencer(t, testConfig(t))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.fake.JobsForStage("phase"))
	assert.Len(t, h.fake.JobsForStage("impute"), 72-11)

	impute := sum.Stages[3]
	assert.Equal(t, StatusSatisfied, impute.Status)
	assert.Equal(t, 72, impute.Units)
	assert.Equal(t, 11, impute.Skipped)
	assert.Equal(t, 72, impute.Artifacts)
	assert.Empty(t, h.obs.warnings)
}

func TestRun_StraySegmentDoesNotMaskMissingOne(t *testing.T) {
	h := newHarness(t)
	h.cluster.write(h.l.Segment("21", 5), "stale\n")
	h.cluster.lost[h.l.Segment("21", 30)] = true
	s := h.sequencer(t, testConfig(t))

	_, err := s.Run(context.Background())
	require.Error(t, err)

	var vf *ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, Impute, vf.Stage)
	assert.Contains(t, vf.Reason, "impute chr21")
	assert.Empty(t, h.fake.JobsForStage("concatenate"))
}

func TestRun_PartialChromosomeStateResubmitsAll(t *testing.T) {
	h := newHarness(t)
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		h.cluster.write(h.l.PhasedHaps(c), c+" rs1 10 A G 0 1\n")
	}
	s := h.sequencer(t, testConfig(t))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.obs.warnings, 1)
	var amb *PreconditionAmbiguous
	require.ErrorAs(t, h.obs.warnings[0], &amb)
	assert.Equal(t, Phase, amb.Stage)
	assert.Equal(t, 5, amb.Found)
	assert.Equal(t, 22, amb.Expected)

	phase := h.fake.JobsForStage("phase")
	require.Len(t, phase, 1)
	assert.Equal(t, 22, phase[0].Spec.Tasks())
}

func TestRun_GovernorHoldsSubmissions(t *testing.T) {
	h := newHarness(t)
	h.fake.Foreign = 150
	h.obs.onWait = func() { h.fake.Foreign = 0 }
	cfg := testConfig(t)
	s := h.sequencer(t, cfg)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{150}, h.obs.waits)
	assert.Contains(t, h.clock.Sleeps(), cfg.Throttle.Interval)
}

func TestRun_SubmissionFailureCancelsSubmittedJobs(t *testing.T) {
	h := newHarness(t)
	h.fake.SubmitErr = func(spec scheduler.JobSpec) error {
		if spec.Stage == string(Merge) {
			return errors.New("QOSMaxSubmitJobPerUserLimit")
		}
		return nil
	}
	cfg := testConfig(t)
	cfg.CancelOnAbort = true
	s := h.sequencer(t, cfg)

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, scheduler.IsSubmissionError(err))
	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, Merge, stage)

	require.NotEmpty(t, h.fake.Jobs())
	for _, j := range h.fake.Jobs() {
		assert.True(t, j.Cancelled, j.Spec.Name)
	}
	assert.Equal(t, StatusFailed, sum.Stages[len(sum.Stages)-1].Status)

	records, err := h.reg.ListJobs(testRunID)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, jobregistry.JobStateSubmitted, rec.State)
	}
}

func TestRun_InterruptedRunIsAborted(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.obs.onSubmit = func(sub Submission) {
		if sub.Stage == Phase {
			cancel()
		}
	}
	cfg := testConfig(t)
	cfg.CancelOnAbort = true
	s := h.sequencer(t, cfg)

	_, err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)

	phase := h.fake.JobsForStage("phase")
	require.Len(t, phase, 1)
	assert.True(t, phase[0].Cancelled)
	assert.Len(t, s.Submitted(), 3)
}

func TestRun_CleanupPolicy(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig(t)
	cfg.Cleanup = CleanupPolicy{RemoveIntermediates: true, RemovePartitionOutputs: true}
	s := h.sequencer(t, cfg)

	keepLog := filepath.Join(h.l.Folders.SchedulerLogs, "if4f9c2a1e_phase_1001_1.err")
	h.cluster.write(keepLog, "phasing done\n")

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	last := sum.Stages[len(sum.Stages)-1]
	assert.Equal(t, Cleanup, last.Stage)
	assert.Equal(t, StatusSatisfied, last.Status)
	assert.Equal(t, "removed intermediates and partition outputs", last.Reason)
	assert.Positive(t, sum.Cleanup.Files)

	assert.True(t, exists(h.l.Merged()))
	assert.True(t, exists(keepLog))
	assert.False(t, exists(h.l.QCBase()+".bed"))
	assert.False(t, exists(h.l.Concatenated("1")))
	assert.False(t, exists(h.l.Encoded("1")))
	assert.False(t, exists(h.l.PhasedHaps("1")))
	assert.False(t, exists(h.l.SplitBase("1")+".bed"))
	assert.False(t, exists(h.l.Converted("1")))
	assert.NoDirExists(t, h.l.SegmentDir("21"))
	assert.DirExists(t, h.l.Folders.Imputed)
}

func TestRun_CleanupKeepsPartitionOutputsByDefault(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig(t)
	cfg.Cleanup = CleanupPolicy{RemoveIntermediates: true}
	s := h.sequencer(t, cfg)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "removed intermediates", sum.Stages[8].Reason)
	assert.True(t, exists(h.l.Converted("1")))
	assert.True(t, exists(h.l.PhasedHaps("1")))
	assert.False(t, exists(h.l.Segment("21", 20)))
}

func TestRun_PollsByNameWhenConfigured(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig(t)
	cfg.Poll.Match = MatchName
	s := h.sequencer(t, cfg)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.Filter{NamePrefix: "if4f9c2a1e_phase"}, s.filter(Phase, []scheduler.JobID{"1"}))
}

func TestPlan_FreshAndCompleted(t *testing.T) {
	h := newHarness(t)
	s := h.sequencer(t, testConfig(t))

	plan, err := s.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan, 9)
	assert.Equal(t, PreconditionAbsent, plan[0].Precondition)
	require.Len(t, plan[0].Jobs, 1)
	assert.Equal(t, "plink", plan[0].Jobs[0].Command[0])
	assert.NotEmpty(t, plan[0].Requirements)
	assert.Equal(t, PreconditionUnknown, plan[3].Precondition)
	assert.Contains(t, plan[3].Note, "earlier stages")
	assert.Equal(t, "retention policy keeps all artifacts", plan[8].Note)
	assert.Empty(t, h.fake.Jobs(), "planning never submits")

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	plan, err = h.sequencer(t, testConfig(t)).Plan(context.Background())
	require.NoError(t, err)
	for _, p := range plan[:7] {
		assert.Equal(t, PreconditionDownstream, p.Precondition, string(p.Stage.Name))
		assert.Empty(t, p.Jobs)
	}
	assert.Equal(t, PreconditionHolds, plan[7].Precondition)
	assert.Equal(t, 72, plan[3].Units)
}

func TestPlan_ReportsPartialState(t *testing.T) {
	h := newHarness(t)
	h.cluster.write(h.l.PhasedHaps("1"), "1 rs1 10 A G 0 1\n")
	plan, err := h.sequencer(t, testConfig(t)).Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PreconditionPartial, plan[2].Precondition)
	assert.Contains(t, plan[2].Note, "1 of 22")
	require.Len(t, plan[2].Jobs, 1)
}
