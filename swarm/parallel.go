package swarm

import (
	"runtime"
	"sync"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/spatial"
	"github.com/pthm-cable/swarm/steering"
)

// forceResult captures computed outputs to apply in Commit.
type forceResult struct {
	NewVelocity components.Vec
	NewPosition components.Vec
	Breakdown   steering.Breakdown
	Neighbors   int
	Stale       int // index hits with no registered agent behind them
}

// workerScratch holds per-worker reusable buffers.
type workerScratch struct {
	Found     []spatial.Neighbor
	Neighbors []steering.Neighbor
}

// workChunk represents a batch of due agents for a worker to process.
type workChunk struct {
	start, end int
}

// workerPool holds the persistent workers used during Dispatch.
type workerPool struct {
	scratches  []workerScratch
	numWorkers int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

func newWorkerPool(count int) *workerPool {
	numWorkers := count
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	scratches := make([]workerScratch, numWorkers)
	for i := range scratches {
		scratches[i].Found = make([]spatial.Neighbor, 0, 64)
		scratches[i].Neighbors = make([]steering.Neighbor, 0, 64)
	}
	return &workerPool{
		numWorkers: numWorkers,
		scratches:  scratches,
	}
}

// start launches persistent worker goroutines.
func (p *workerPool) start(s *Simulation) {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(s, i)
	}
}

// stop signals all workers to exit and waits for them.
func (p *workerPool) stop() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *workerPool) worker(s *Simulation, workerID int) {
	defer p.wg.Done()
	scratch := &p.scratches[workerID]

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			s.computeRange(chunk.start, chunk.end, scratch)
			p.doneChan <- struct{}{}
		}
	}
}

// run splits n due agents into batches and blocks until every batch is
// computed. Completions are drained while dispatching so a batch count
// larger than the channel buffers cannot deadlock.
func (p *workerPool) run(s *Simulation, n, batchSize int) {
	if !p.running {
		p.start(s)
	}

	batches := (n + batchSize - 1) / batchSize
	sent, done := 0, 0
	for sent < batches {
		start := sent * batchSize
		end := min(start+batchSize, n)
		select {
		case p.workChan <- workChunk{start: start, end: end}:
			sent++
		case <-p.doneChan:
			done++
		}
	}
	for ; done < batches; done++ {
		<-p.doneChan
	}
}
