package wsnet

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/reduce"
)

// listenAll opens one loopback listener per rank.
func listenAll(t *testing.T, size int) ([]net.Listener, []string) {
	listeners := make([]net.Listener, size)
	for i := range listeners {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = l
	}
	addrs := lo.Map(listeners, func(l net.Listener, _ int) string {
		return l.Addr().String()
	})
	return listeners, addrs
}

// openAll forms a group, with every participant opening
// its transport concurrently.
func openAll(t *testing.T, size int, onAbort func(rank, code int)) []*Transport {
	listeners, addrs := listenAll(t, size)
	transports := make([]*Transport, size)
	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		g.Go(func() error {
			cfg := Config{
				Rank:        rank,
				Size:        size,
				Addrs:       addrs,
				Listener:    listeners[rank],
				DialTimeout: 5 * time.Second,
			}
			if onAbort != nil {
				cfg.OnAbort = func(code int) { onAbort(rank, code) }
			}
			tr, err := Open(cfg)
			transports[rank] = tr
			return err
		})
	}
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		for _, tr := range transports {
			tr.Close()
		}
	})
	return transports
}

func reduceAll(transports []*Transport, reducer reduce.Reducer, values []int64) ([]int64, []error) {
	results := make([]int64, len(transports))
	errs := make([]error, len(transports))
	var wg sync.WaitGroup
	for rank, tr := range transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[rank], errs[rank] = reducer.Reduce(tr.Comm(), values[rank])
		}()
	}
	wg.Wait()
	return results, errs
}

func TestPairwiseOverWebSockets(t *testing.T) {
	req := require.New(t)
	transports := openAll(t, 2, nil)

	results, errs := reduceAll(transports, reduce.Pairwise, []int64{3, 5})
	req.Equal([]error{nil, nil}, errs)
	req.Equal([]int64{8, 8}, results)
}

func TestStarReduceOverWebSockets(t *testing.T) {
	req := require.New(t)
	transports := openAll(t, 4, nil)

	results, errs := reduceAll(transports, reduce.StarReducer{}, []int64{10, 20, 30, 40})
	req.Equal(make([]error, 4), errs)
	req.Equal([]int64{100, 100, 100, 100}, results)
}

func TestSingleParticipant(t *testing.T) {
	req := require.New(t)
	transports := openAll(t, 1, nil)

	res, err := reduce.Reduce(transports[0].Comm(), 42)
	req.NoError(err)
	req.Equal(int64(42), res)
}

func TestFIFOPerTag(t *testing.T) {
	req := require.New(t)
	transports := openAll(t, 2, nil)

	for i := int64(0); i < 20; i++ {
		req.NoError(transports[1].Send(0, group.TagGather, i))
	}
	req.NoError(transports[1].Send(0, group.TagResult, 99))

	res, err := transports[0].Recv(1, group.TagResult)
	req.NoError(err)
	req.Equal(int64(99), res)
	for i := int64(0); i < 20; i++ {
		res, err := transports[0].Recv(1, group.TagGather)
		req.NoError(err)
		req.Equal(i, res)
	}
}

func TestAbortReachesEveryPeer(t *testing.T) {
	req := require.New(t)

	var lock sync.Mutex
	codes := map[int]int{}
	transports := openAll(t, 3, func(rank, code int) {
		lock.Lock()
		defer lock.Unlock()
		codes[rank] = code
	})

	errs := make(chan error, 2)
	for _, tr := range transports[:2] {
		go func() {
			// Nobody ever sends this.
			_, err := tr.Recv(2, group.TagGather)
			errs <- err
		}()
	}

	// When the last participant finds a configuration error
	comm := transports[2].Comm()
	code := comm.Fail(&group.ConfigurationError{Rank: 2, Size: 3, Required: 2})
	req.Equal(group.ExitConfig, code)

	// Then the blocked participants are released
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			var abortErr *group.AbortError
			req.True(errors.As(err, &abortErr), "unexpected error %v", err)
			req.Equal(group.ExitConfig, abortErr.Code)
		case <-time.After(5 * time.Second):
			req.Fail("participant still blocked after abort")
		}
	}

	// And every participant ran its abort callback
	req.Eventually(func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(codes) == 3
	}, 5*time.Second, 10*time.Millisecond)
	lock.Lock()
	defer lock.Unlock()
	req.Equal(map[int]int{0: 1, 1: 1, 2: 1}, codes)
}

func TestLostPeerFailsRecv(t *testing.T) {
	req := require.New(t)
	transports := openAll(t, 2, nil)

	req.NoError(transports[1].Close())

	_, err := transports[0].Recv(1, group.TagGather)
	var failure *group.ChannelFailure
	req.ErrorAs(err, &failure)
	req.Equal(1, failure.Peer)
	req.Equal(group.ExitChannel, group.ExitCode(err))
}

func TestGroupSizeMismatch(t *testing.T) {
	req := require.New(t)
	listeners, addrs := listenAll(t, 3)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank, size := range []int{2, 3} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := Open(Config{
				Rank:        rank,
				Size:        size,
				Addrs:       addrs[:size],
				Listener:    listeners[rank],
				DialTimeout: 2 * time.Second,
			})
			if err == nil {
				tr.Close()
			}
			errs[rank] = err
		}()
	}
	wg.Wait()
	listeners[2].Close()

	for rank, err := range errs {
		var configErr *group.ConfigurationError
		req.ErrorAs(err, &configErr, "rank %d", rank)
	}
}

func TestOpenValidatesConfig(t *testing.T) {
	req := require.New(t)
	var configErr *group.ConfigurationError

	_, err := Open(Config{Rank: 2, Size: 2, Addrs: []string{"a", "b"}})
	req.ErrorAs(err, &configErr)

	_, err = Open(Config{Rank: 0, Size: 2, Addrs: []string{"127.0.0.1:0"}})
	req.ErrorAs(err, &configErr)
}
