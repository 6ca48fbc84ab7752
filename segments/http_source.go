package segments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
)

// ~2min total of trying with exponential backoff
const DefaultHTTPTries = 7

func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = DefaultHTTPTries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// HTTPSource reads the log store from an HTTP endpoint:
//
//	GET <root>/segments        newline separated ids
//	GET <root>/period          current period label
//	GET <root>/segments/<id>   segment content
type HTTPSource struct {
	rootURI string
	client  Client
}

var _ Source = &HTTPSource{}

func NewHTTPSource(rootURI string, client Client) *HTTPSource {
	if client == nil {
		client = MakePesterClient()
	}
	log.Infof("Making new HTTP segment source with root URI: %s", rootURI)
	return &HTTPSource{rootURI: strings.TrimSuffix(rootURI, "/"), client: client}
}

func (s *HTTPSource) get(ctx context.Context, rel string) (*http.Response, error) {
	uri := s.rootURI + "/" + rel
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", uri, resp.Status)
	}
	return resp, nil
}

func (s *HTTPSource) getString(ctx context.Context, rel string) (string, error) {
	resp, err := s.get(ctx, rel)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

func (s *HTTPSource) List(ctx context.Context) ([]string, error) {
	body, err := s.getString(ctx, "segments")
	if err != nil {
		return nil, err
	}
	return splitIDs(body), nil
}

func (s *HTTPSource) CurrentPeriod(ctx context.Context) (Period, error) {
	body, err := s.getString(ctx, "period")
	if err != nil {
		return Period{}, err
	}
	return ParsePeriod(body)
}

func (s *HTTPSource) Fetch(ctx context.Context, id string, w io.Writer) (int64, error) {
	if err := checkID(id); err != nil {
		return 0, err
	}
	resp, err := s.get(ctx, "segments/"+id)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("short read of %s: %d of %d bytes", id, n, resp.ContentLength)
	}
	return n, err
}
