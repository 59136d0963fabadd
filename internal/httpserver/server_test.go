package httpserver_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/relay/internal/httpserver"
	"github.com/angeloszaimis/relay/internal/listener"
)

var _ = Describe("HTTP Server", func() {
	var log *slog.Logger

	BeforeEach(func() {
		log = slog.New(slog.DiscardHandler)
	})

	Context("server creation", func() {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

		It("creates server with valid address", func() {
			srv, err := httpserver.New("localhost:9999", handler, httpserver.Options{Logger: log})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv).NotTo(BeNil())
			Expect(srv.Addr()).To(BeNil())
		})

		It("creates server with IP address", func() {
			srv, err := httpserver.New("127.0.0.1:9999", handler, httpserver.Options{Logger: log})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv).NotTo(BeNil())
		})

		It("handles port-only address", func() {
			srv, err := httpserver.New(":9999", handler, httpserver.Options{Logger: log})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv).NotTo(BeNil())
		})

		It("rejects invalid address", func() {
			srv, err := httpserver.New("invalid:host:port", handler, httpserver.Options{Logger: log})
			Expect(err).To(HaveOccurred())
			Expect(srv).To(BeNil())
		})
	})

	Context("server lifecycle", func() {
		var (
			testServer *httpserver.Server
			addr       string
			served     chan error
		)

		start := func(handler http.Handler, opts httpserver.Options) {
			opts.Logger = log
			var err error
			testServer, err = httpserver.New("127.0.0.1:0", handler, opts)
			Expect(err).NotTo(HaveOccurred())

			ln, err := listener.Listen(context.Background(), "127.0.0.1:0", log)
			Expect(err).NotTo(HaveOccurred())
			addr = ln.Addr().String()

			srv, ch := testServer, make(chan error, 1)
			served = ch
			go func() {
				ch <- srv.Serve(ln)
			}()
		}

		AfterEach(func() {
			if testServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				defer cancel()
				_ = testServer.Shutdown(ctx)
				testServer = nil
			}
		})

		It("starts and handles requests", func() {
			start(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("test"))
			}), httpserver.Options{})

			resp, err := http.Get("http://" + addr)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("test"))
			Expect(testServer.Addr().String()).To(Equal(addr))
		})

		It("attaches a connection ID shared by requests on one connection", func() {
			start(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(listener.ConnID(r.Context())))
			}), httpserver.Options{})

			conn, err := net.Dial("tcp", addr)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			br := bufio.NewReader(conn)

			var ids []string
			for i := 0; i < 2; i++ {
				fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
				resp, err := http.ReadResponse(br, nil)
				Expect(err).NotTo(HaveOccurred())
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				ids = append(ids, string(body))
			}

			Expect(ids[0]).NotTo(BeEmpty())
			Expect(ids[1]).To(Equal(ids[0]))
		})

		It("answers pipelined requests in order", func() {
			start(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/slow" {
					time.Sleep(50 * time.Millisecond)
				}
				w.Write([]byte(r.URL.Path))
			}), httpserver.Options{})

			conn, err := net.Dial("tcp", addr)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			fmt.Fprintf(conn, "GET /slow HTTP/1.1\r\nHost: test\r\n\r\nGET /fast HTTP/1.1\r\nHost: test\r\n\r\n")

			br := bufio.NewReader(conn)
			for _, want := range []string{"/slow", "/fast"} {
				resp, err := http.ReadResponse(br, nil)
				Expect(err).NotTo(HaveOccurred())
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				Expect(string(body)).To(Equal(want))
			}
		})

		It("drops connections that stall before completing the request head", func() {
			start(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
				httpserver.Options{HeaderReadTimeout: 100 * time.Millisecond})

			conn, err := net.Dial("tcp", addr)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\n")
			began := time.Now()

			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, err = conn.Read(make([]byte, 1))
			Expect(err).To(MatchError(io.EOF))
			Expect(time.Since(began)).To(BeNumerically("<", time.Second))
		})

		It("closes after one response when keep-alive is disabled", func() {
			start(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("once"))
			}), httpserver.Options{DisableKeepAlive: true})

			resp, err := http.Get("http://" + addr)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Close).To(BeTrue())
		})

		It("shuts down gracefully", func() {
			start(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), httpserver.Options{})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(testServer.Shutdown(ctx)).To(Succeed())
			Eventually(served).Should(Receive(BeNil()))
		})
	})

	Context("Start", func() {
		It("returns the bind error when the address is taken", func() {
			taken, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer taken.Close()

			srv, err := httpserver.New(taken.Addr().String(), http.NotFoundHandler(), httpserver.Options{Logger: log})
			Expect(err).NotTo(HaveOccurred())

			Expect(srv.Start(context.Background())).To(MatchError(ContainSubstring("bind")))
		})
	})
})
