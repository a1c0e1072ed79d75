package worker

import "github.com/scrubmedia/scrub/pkg/logger"

var log = logger.Get("Worker")

type WakeupChan chan int

type WorkerStatus int

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

// Task is the unit of work a worker repeatedly executes. The returned
// bool indicates whether any work was actually performed; when no work
// was found the worker goes back to sleep until woken.
type Task func(Worker) (bool, error)

type Worker interface {
	Start()
	Status() WorkerStatus
	WakeupChan() WakeupChan
	Label() string
	Close()
}

type taskWorker struct {
	label         string
	task          Task
	wakeupChan    WakeupChan
	currentStatus WorkerStatus
}

func New(label string, task Task) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		// Buffered by one so a wakeup arriving while the worker is
		// still draining the queue is latched rather than lost.
		wakeupChan:    make(WakeupChan, 1),
		currentStatus: Sleeping,
	}
}

// Start runs this workers task in a loop. Each time the task reports
// that no work was available, the worker sleeps until it's woken via
// the wakeup channel. Start returns once the wakeup channel is closed.
func (worker *taskWorker) Start() {
	log.Debugf("Worker %s starting\n", worker.label)
	worker.currentStatus = Working

	for {
		didWork, err := worker.task(worker)
		if err != nil {
			log.Errorf("Worker %s task reported an error: %v\n", worker.label, err)
		}

		if didWork {
			continue
		}

		if !worker.sleep() {
			return
		}
	}
}

func (worker *taskWorker) Status() WorkerStatus { return worker.currentStatus }

func (worker *taskWorker) WakeupChan() WakeupChan { return worker.wakeupChan }

func (worker *taskWorker) Label() string { return worker.label }

// Close closes the wakeup channel, which causes the worker to exit the
// next time it tries to sleep. A task that is mid-execution is not
// interrupted.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// sleep blocks until the worker is woken. The returned bool is false
// when the wakeup channel was closed, indicating the worker should quit.
func (worker *taskWorker) sleep() (isAlive bool) {
	worker.currentStatus = Sleeping

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = Working
	} else {
		log.Debugf("Wakeup channel for worker %s closed - worker exiting\n", worker.label)
		worker.currentStatus = Finished
	}

	return isAlive
}
