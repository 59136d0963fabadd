package listener_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/relay/internal/listener"
)

// flakyListener fails a fixed number of Accept calls before delegating.
type flakyListener struct {
	net.Listener
	mutex    sync.Mutex
	failures int
}

func (f *flakyListener) Accept() (net.Conn, error) {
	f.mutex.Lock()
	if f.failures > 0 {
		f.failures--
		f.mutex.Unlock()
		return nil, errors.New("accept4: too many open files")
	}
	f.mutex.Unlock()
	return f.Listener.Accept()
}

var _ = Describe("Listener", func() {
	var log *slog.Logger

	BeforeEach(func() {
		log = slog.New(slog.DiscardHandler)
	})

	Describe("Listen", func() {
		It("should bind an ephemeral port", func() {
			ln, err := listener.Listen(context.Background(), "127.0.0.1:0", log)
			Expect(err).NotTo(HaveOccurred())
			defer ln.Close()
			Expect(ln.Addr().(*net.TCPAddr).Port).NotTo(BeZero())
		})

		It("should fail when the address is taken", func() {
			first, err := listener.Listen(context.Background(), "127.0.0.1:0", log)
			Expect(err).NotTo(HaveOccurred())
			defer first.Close()

			_, err = listener.Listen(context.Background(), first.Addr().String(), log)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("bind"))
		})
	})

	Describe("Accept", func() {
		It("should retry transient failures and hand out the next connection", func() {
			raw, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			ln := listener.Wrap(&flakyListener{Listener: raw, failures: 3}, log)
			defer ln.Close()

			var delays []time.Duration
			ln.SetSleep(func(d time.Duration) { delays = append(delays, d) })

			go func() {
				defer GinkgoRecover()
				conn, err := net.Dial("tcp", raw.Addr().String())
				Expect(err).NotTo(HaveOccurred())
				conn.Close()
			}()

			conn, err := ln.Accept()
			Expect(err).NotTo(HaveOccurred())
			conn.Close()

			Expect(ln.Accepted()).To(Equal(int64(1)))
			Expect(ln.AcceptErrors()).To(Equal(int64(3)))
			Expect(delays).To(Equal([]time.Duration{
				5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
			}))
		})

		It("should return once the listener is closed", func() {
			ln, err := listener.Listen(context.Background(), "127.0.0.1:0", log)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				_, err := ln.Accept()
				done <- err
			}()

			Expect(ln.Close()).To(Succeed())
			Eventually(done).Should(Receive(MatchError(net.ErrClosed)))
		})
	})

	Describe("ConnID", func() {
		It("should be empty without WithConnID", func() {
			Expect(listener.ConnID(context.Background())).To(BeEmpty())
		})

		It("should carry a UUID per connection", func() {
			a := listener.ConnID(listener.WithConnID(context.Background(), nil))
			b := listener.ConnID(listener.WithConnID(context.Background(), nil))
			Expect(uuid.Validate(a)).To(Succeed())
			Expect(a).NotTo(Equal(b))
		})
	})
})
