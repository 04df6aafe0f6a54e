package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultApiClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		r := ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
		select {
		case c <- r:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// ApiResource exposes one remote REST resource as the synchronizer's
// fetch/push capability pair: GET of `url` returns the remote snapshot as
// json, POST of `url` replaces it.
type ApiResource[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	client *http.Client
}

func NewApiResource[T any](ctx context.Context, url string) *ApiResource[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ApiResource[T]{
		ctx:    cancelCtx,
		cancel: cancel,
		url:    url,
		client: defaultApiClient(),
	}
}

func (self *ApiResource[T]) Fetch(ctx context.Context) (T, error) {
	return get(ctx, self.client, self.url, *new(T), NewNoopApiCallback[T]())
}

func (self *ApiResource[T]) Push(ctx context.Context, data T) error {
	_, err := post(ctx, self.client, self.url, data, struct{}{}, NewNoopApiCallback[struct{}]())
	return err
}

func (self *ApiResource[T]) FetchWithCallback(callback apiCallback[T]) {
	go get(self.ctx, self.client, self.url, *new(T), callback)
}

func (self *ApiResource[T]) PushWithCallback(data T, callback apiCallback[struct{}]) {
	go post(self.ctx, self.client, self.url, data, struct{}{}, callback)
}

// adapters for `SynchronizerConfig`

func (self *ApiResource[T]) FetchFunc() FetchFunc[T] {
	return self.Fetch
}

func (self *ApiResource[T]) PushFunc() PushFunc[T] {
	return self.Push
}

func (self *ApiResource[T]) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("status %d", r.StatusCode)
		}
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, client *http.Client, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Accept", "application/json")

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("status %d", r.StatusCode)
		}
		err = errors.New(errorMessage)
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
