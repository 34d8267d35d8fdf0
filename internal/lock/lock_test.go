package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// ---- 1. TestKeyed_SerialisesSameKey
func TestKeyed_SerialisesSameKey(t *testing.T) {
	k := NewKeyed()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "U1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if n := k.active(); n != 0 {
		t.Errorf("active keys after release = %d, want 0", n)
	}
}

// ---- 2. TestKeyed_DifferentKeysIndependent
func TestKeyed_DifferentKeysIndependent(t *testing.T) {
	k := NewKeyed()
	unlockA, err := k.Lock(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "B")
	if err != nil {
		t.Fatalf("Lock B while A held: %v", err)
	}
	unlockB()
}

// ---- 3. TestKeyed_ContextCancelled
func TestKeyed_ContextCancelled(t *testing.T) {
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "U1"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	unlock()
	unlock() // second call is a no-op
	if n := k.active(); n != 0 {
		t.Errorf("active keys = %d, want 0", n)
	}
}

// ---- 4. TestRedis_ExclusiveHold (needs TEST_REDIS_URL)
func TestRedis_ExclusiveHold(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	l := NewRedis(client, WithWait(100*time.Millisecond))
	key := "test-" + time.Now().Format("150405.000000")
	unlock, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := l.Lock(context.Background(), key); !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Lock: want ErrTimeout, got %v", err)
	}
	unlock()
	unlock2, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlock2()
}

// scriptedRedis answers SET NX locally and fails every script call, so no
// server is needed.
type scriptedRedis struct{ scriptErr error }

func (h scriptedRedis) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled")
	}
}

func (h scriptedRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "set":
			cmd.(*redis.BoolCmd).SetVal(true)
			return nil
		default:
			cmd.SetErr(h.scriptErr)
			return h.scriptErr
		}
	}
}

func (h scriptedRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// ---- 5. TestRedis_ReleaseFailureIsLogged
func TestRedis_ReleaseFailureIsLogged(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	client.AddHook(scriptedRedis{scriptErr: errors.New("connection reset")})

	var buf bytes.Buffer
	l := NewRedis(client, WithRedisLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	unlock, err := l.Lock(context.Background(), "U1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()

	out := buf.String()
	if !strings.Contains(out, "lock release failed") || !strings.Contains(out, "connection reset") {
		t.Errorf("release failure not logged: %q", out)
	}
	if !strings.Contains(out, "ledger:lock:U1") {
		t.Errorf("log missing key: %q", out)
	}
}
