package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deploymenttheory/go-assembly-store/internal/detector"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/extractor"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/storage"
	"github.com/deploymenttheory/go-assembly-store/internal/types"
)

// Stats holds processor statistics
type Stats struct {
	FilesProcessed      int
	Recognized          int
	Failed              int
	Aborted             int
	AssembliesExtracted int
	ExtractionFailures  int
	StartTime           time.Time
	EndTime             time.Time
}

// Options controls what is done with each recognized input
type Options struct {
	Extract   bool
	OutputDir string
	ABI       string

	// TypeMapEntries copies every typemap entry into the report.
	TypeMapEntries bool
}

type job struct {
	index int
	path  string
}

// Processor runs the detection and extraction pipeline for a batch of
// inputs on a pool of workers. Inputs share nothing, so any number can be in
// flight; each input's own steps run sequentially in one worker.
type Processor struct {
	workers    int
	tree       *detector.Tree
	storage    storage.Storage
	opts       Options
	inputQueue chan job
	paths      []string

	ctx    context.Context
	cancel context.CancelFunc

	wg         sync.WaitGroup
	stats      Stats
	reports    map[int]types.InputReport
	fatal      error
	statsMutex sync.RWMutex
}

// New creates a new Processor. A nil storage keeps reports in memory only.
func New(workers int, tree *detector.Tree, store storage.Storage, opts Options) *Processor {
	if workers < 1 {
		workers = 1
	}
	if store == nil {
		store = storage.Discard{}
	}
	return &Processor{
		workers:    workers,
		tree:       tree,
		storage:    store,
		opts:       opts,
		inputQueue: make(chan job, 100),
		reports:    make(map[int]types.InputReport),
	}
}

// Start begins the processing workers. Cancelling ctx stops them.
func (p *Processor) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.statsMutex.Lock()
	p.stats.StartTime = time.Now()
	p.statsMutex.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Add queues an input path. It blocks while the queue is full. A path added
// after the batch stopped still gets a report from Wait.
func (p *Processor) Add(path string) {
	p.statsMutex.Lock()
	j := job{index: len(p.paths), path: path}
	p.paths = append(p.paths, path)
	p.statsMutex.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	select {
	case p.inputQueue <- j:
	case <-p.ctx.Done():
	}
}

// worker processes queued inputs
func (p *Processor) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.inputQueue:
			if !ok || p.ctx.Err() != nil {
				return
			}

			report, err := p.processFile(p.ctx, j.path)
			p.record(j.index, report)
			if serr := p.storage.Store(report); serr != nil {
				logger.Errorf("Worker %d: Failed to store report for %s: %v", id, j.path, serr)
			}

			if errors.Is(err, errs.ErrAmbiguousFormat) {
				logger.Errorf("Worker %d: aborting batch: %v", id, err)
				p.abort(err)
				return
			}
		}
	}
}

// processFile runs the whole pipeline for one input. The returned error is
// only set when the batch must stop.
func (p *Processor) processFile(ctx context.Context, path string) (types.InputReport, error) {
	report := types.InputReport{
		Path:        path,
		ProcessedAt: time.Now(),
	}
	log := logger.WithFields(logger.Fields{"input": path})

	if hash, size, err := generateSHA3Hash(path); err == nil {
		report.SHA3Hash = hash
		report.SizeBytes = size
	} else {
		log.Debugf("hash skipped: %v", err)
	}

	r, err := p.tree.Detect(path)
	if err != nil {
		fail(&report, err)
		if errors.Is(err, errs.ErrAmbiguousFormat) {
			return report, err
		}
		log.Warnf("not processed: %v", err)
		return report, nil
	}
	defer r.Close()

	report.Status = types.StatusRecognized
	describe(&report, r, p.opts.TypeMapEntries)
	log.WithFields(logger.Fields{
		"kind":       report.Kind,
		"assemblies": len(report.Assemblies),
	}).Infof("classified as %s", strings.Join(report.Chain, " > "))

	if p.opts.Extract {
		res, err := extractor.Extract(ctx, r, extractor.Options{
			OutputDir: filepath.Join(p.opts.OutputDir, filepath.Base(path)),
			ABI:       p.opts.ABI,
		})
		report.Extraction = res
		if err != nil {
			fail(&report, err)
			log.Errorf("extraction stopped: %v", err)
		}
	}

	return report, nil
}

func fail(report *types.InputReport, err error) {
	report.Status = types.StatusFailed
	report.ErrorKind = errs.Kind(err)
	report.Reason = err.Error()

	var de *detector.DetectionError
	if errors.As(err, &de) && len(de.Chain) > 0 {
		report.Chain = de.Chain
	}
}

func (p *Processor) record(index int, report types.InputReport) {
	p.statsMutex.Lock()
	defer p.statsMutex.Unlock()

	p.reports[index] = report
	p.stats.FilesProcessed++
	if report.Status == types.StatusRecognized {
		p.stats.Recognized++
	} else {
		p.stats.Failed++
	}
	if report.Extraction != nil {
		p.stats.AssembliesExtracted += len(report.Extraction.Extracted)
		p.stats.ExtractionFailures += len(report.Extraction.Failures)
	}
}

func (p *Processor) abort(err error) {
	p.statsMutex.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.statsMutex.Unlock()
	p.cancel()
}

// Done signals that no more inputs will be added
func (p *Processor) Done() {
	close(p.inputQueue)
}

// Stop signals the processor to stop
func (p *Processor) Stop() {
	p.cancel()
}

// Wait waits for all processing to complete. Inputs the workers never
// reached get a batch-aborted report. It returns the error that aborted the
// batch, if any.
func (p *Processor) Wait() error {
	p.wg.Wait()
	p.fillAborted()

	p.statsMutex.Lock()
	defer p.statsMutex.Unlock()
	p.stats.EndTime = time.Now()
	p.cancel()
	return p.fatal
}

func (p *Processor) fillAborted() {
	p.statsMutex.Lock()
	cause := p.fatal
	if cause == nil {
		cause = p.ctx.Err()
	}
	var missing []job
	for i, path := range p.paths {
		if _, ok := p.reports[i]; !ok {
			missing = append(missing, job{index: i, path: path})
		}
	}
	p.statsMutex.Unlock()

	for _, j := range missing {
		report := types.InputReport{Path: j.path, ProcessedAt: time.Now()}
		if cause != nil {
			fail(&report, fmt.Errorf("%w: %v", errs.ErrBatchAborted, cause))
		} else {
			fail(&report, errs.ErrBatchAborted)
		}

		p.statsMutex.Lock()
		p.reports[j.index] = report
		p.stats.Failed++
		p.stats.Aborted++
		p.statsMutex.Unlock()

		if err := p.storage.Store(report); err != nil {
			logger.Errorf("Failed to store report for %s: %v", j.path, err)
		}
	}
}

// Run processes paths and waits for the batch to finish.
func (p *Processor) Run(ctx context.Context, paths []string) ([]types.InputReport, error) {
	p.Start(ctx)
	for _, path := range paths {
		p.Add(path)
	}
	p.Done()
	err := p.Wait()
	return p.Reports(), err
}

// Reports returns the reports produced so far in input order
func (p *Processor) Reports() []types.InputReport {
	p.statsMutex.RLock()
	defer p.statsMutex.RUnlock()

	indexes := make([]int, 0, len(p.reports))
	for i := range p.reports {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]types.InputReport, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, p.reports[i])
	}
	return out
}

// Stats returns the current processing statistics
func (p *Processor) Stats() Stats {
	p.statsMutex.RLock()
	defer p.statsMutex.RUnlock()
	return p.stats
}

func (p *Processor) Duration() time.Duration {
	p.statsMutex.RLock()
	defer p.statsMutex.RUnlock()

	if p.stats.StartTime.IsZero() {
		return 0
	}

	if p.stats.EndTime.IsZero() {
		return time.Since(p.stats.StartTime)
	}

	return p.stats.EndTime.Sub(p.stats.StartTime)
}
