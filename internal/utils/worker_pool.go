package utils

import "sync"

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool runs worker over every input on up to maxWorkers goroutines and
// returns a channel of results. Result order is not the input order. The
// channel is closed once every input has been processed.
func RunInPool[In any, Out any](worker func(In) (Out, error), inputs []In, maxWorkers int) <-chan CompletedTask[Out] {
	queue := make(chan In, len(inputs))
	for _, input := range inputs {
		queue <- input
	}
	close(queue)

	completed := make(chan CompletedTask[Out], len(inputs))

	workers := min(len(inputs), maxWorkers)
	if workers == 0 {
		close(completed)
		return completed
	}

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					if err != nil {
						completed <- CompletedTask[Out]{Error: err}
					} else {
						completed <- CompletedTask[Out]{Result: res}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()

	return completed
}
