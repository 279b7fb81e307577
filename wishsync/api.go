package wishsync

import (
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

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
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

// Api is the rest collaborator consumed once per view mount (and once per
// reconnect) to fetch the full snapshot. The wishlist-scoped token doubles
// as the path credential and the bearer credential.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	token  string
}

func NewApi(apiUrl string, token string) *Api {
	return NewApiWithContext(context.Background(), apiUrl, token)
}

func NewApiWithContext(ctx context.Context, apiUrl string, token string) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Api{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		token:  token,
	}
}

type GetWishlistCallback apiCallback[*Snapshot]

func (self *Api) GetWishlist(callback GetWishlistCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/wishlist/%s", self.apiUrl, self.token),
		self.token,
		&Snapshot{},
		callback,
	)
}

func (self *Api) GetWishlistSync() (*Snapshot, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/wishlist/%s", self.apiUrl, self.token),
		self.token,
		&Snapshot{},
		NewNoopApiCallback[*Snapshot](),
	)
}

func (self *Api) Close() {
	self.cancel()
}

func get[R any](ctx context.Context, url string, token string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
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
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
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
