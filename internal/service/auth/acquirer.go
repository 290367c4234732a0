package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kapu/nominator-track-go/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const callbackMessage = "Come back to console and copy paste the following: "

// AcquirerConfig configures the interactive authorization-code flow.
type AcquirerConfig struct {
	OAuth        *oauth2.Config
	CallbackAddr string
	Input        io.Reader
	Output       io.Writer
}

// Acquirer runs the one-time interactive authorization-code exchange.
type Acquirer struct {
	config       *oauth2.Config
	callbackAddr string
	input        io.Reader
	output       io.Writer
	logger       *zap.Logger

	listen   func(network, address string) (net.Listener, error)
	newState func() (string, error)
}

func NewAcquirer(cfg AcquirerConfig, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{
		config:       cfg.OAuth,
		callbackAddr: cfg.CallbackAddr,
		input:        cfg.Input,
		output:       cfg.Output,
		logger:       logger,
		listen:       net.Listen,
		newState:     randomState,
	}
}

// Acquire prints the authorization URL, waits for the browser redirect to hit the
// loopback listener, then reads the pasted callback URL and exchanges its code.
func (a *Acquirer) Acquire(ctx context.Context) (*oauth2.Token, error) {
	if a == nil || a.config == nil {
		return nil, fmt.Errorf("acquirer not initialized")
	}

	state, err := a.newState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	authURL := a.config.AuthCodeURL(state)
	fmt.Fprintln(a.output, "In order to continue, you need to input your osu! access token.")
	fmt.Fprintln(a.output, "Please open the following URL: "+authURL)

	a.logger.Info("Authorization required",
		zap.String("callback_addr", a.callbackAddr))

	if err := a.awaitCallback(ctx); err != nil {
		return nil, err
	}

	fmt.Fprint(a.output, "Code from browser: ")
	line, err := a.readLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to read callback url: %w", err)
	}

	params, err := parseCallback(line)
	if err != nil {
		return nil, errors.NewAuthProviderError("malformed callback url", "", err)
	}

	if received := params.Get("state"); received != state {
		return nil, errors.NewStateMismatchError(state, received)
	}
	if providerErr := params.Get("error"); providerErr != "" {
		return nil, errors.NewAuthProviderError(
			fmt.Sprintf("authorization denied: %s", providerErr), providerErr, nil)
	}

	code := params.Get("code")
	if code == "" {
		return nil, errors.NewAuthProviderError("callback url has no code", "", nil)
	}

	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		providerErr := ""
		if stderrors.As(err, &retrieveErr) {
			providerErr = retrieveErr.ErrorCode
		}
		return nil, errors.NewAuthProviderError("unable to retrieve token", providerErr, err)
	}

	a.logger.Info("OAuth authorization complete")
	return token, nil
}

// awaitCallback serves exactly one request on the loopback address, echoing the
// request path back to the user, and tears the listener down before returning.
func (a *Acquirer) awaitCallback(ctx context.Context) error {
	ln, err := a.listen("tcp", a.callbackAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.callbackAddr, err)
	}

	received := make(chan struct{})
	var once sync.Once

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprint(w, callbackMessage+r.URL.RequestURI())
			once.Do(func() { close(received) })
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	var waitErr error
	select {
	case <-received:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case err := <-serveErr:
		return fmt.Errorf("callback listener stopped: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Callback listener shutdown failed", zap.Error(err))
	}
	<-serveErr

	return waitErr
}

func (a *Acquirer) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(a.input).ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		done <- result{line: line, err: err}
	}()

	select {
	case res := <-done:
		return res.line, res.err
	case <-ctx.Done():
		// Closing the input unblocks the pending read so the reader goroutine can exit.
		if closer, ok := a.input.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				a.logger.Debug("Failed to close console input", zap.Error(err))
			}
		}
		return "", ctx.Err()
	}
}

// parseCallback accepts a full redirect URL or just the path and query.
func parseCallback(raw string) (url.Values, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty callback url")
	}
	_, query, found := strings.Cut(raw, "?")
	if !found {
		return nil, fmt.Errorf("callback url has no query: %q", raw)
	}
	return url.ParseQuery(query)
}

func randomState() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce), nil
}
