// Package egauge is a client of the eGauge WebAPI: JWT login and cumulative register reads.
package egauge

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"

	"github.com/Pablovelazquezb/electro"
)

// Config configures the Connector
type Config struct {
	// HTTPClient sends every request. Default: a client with Timeout
	HTTPClient *http.Client
	// Timeout of each request when HTTPClient is not set. Default: 30s
	Timeout time.Duration
}

// Connector authenticates against eGauge meters
type Connector struct {
	client *http.Client
}

var _ electro.Connector = (*Connector)(nil)

// New creates a Connector
func New(conf *Config) *Connector {
	if conf == nil {
		conf = &Config{}
	}
	client := conf.HTTPClient
	if client == nil {
		timeout := conf.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Connector{client: client}
}

// StatusError is a non-2xx response of the device
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("egauge: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Device is an authenticated session with one meter
type Device struct {
	baseURL string
	creds   electro.Credentials
	client  *http.Client

	mu  sync.Mutex
	jwt string
}

var _ electro.Device = (*Device)(nil)

// Connect logs in to the meter at rawURL and returns a session
func (c *Connector) Connect(ctx context.Context, rawURL string, creds electro.Credentials) (_ electro.Device, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "egauge.Connect")
	defer func() {
		logtracing.AppendSpanKVs(ctx, "url", rawURL, "user", creds.User)
		logtracing.EndSpan(ctx, xerr)
	}()

	if rawURL == "" {
		return nil, errors.New("egauge: empty device url")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	dev := &Device{
		baseURL: strings.TrimRight(rawURL, "/"),
		creds:   creds,
		client:  c.client,
	}
	if err := dev.login(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}

type authChallenge struct {
	Realm string `json:"rlm"`
	Nonce string `json:"nnc"`
}

type loginRequest struct {
	Realm       string `json:"rlm"`
	User        string `json:"usr"`
	Nonce       string `json:"nnc"`
	ClientNonce string `json:"cnnc"`
	Hash        string `json:"hash"`
}

type loginResponse struct {
	JWT    string   `json:"jwt"`
	Rights []string `json:"rights"`
	Error  string   `json:"error"`
}

// login runs the digest handshake: the realm and nonce of /auth/unauthorized are combined with the
// credentials into hash = md5(md5(usr:rlm:pwd):nnc:cnnc) and exchanged for a token
func (d *Device) login(ctx context.Context) error {
	var challenge authChallenge
	err := d.doJSON(ctx, http.MethodGet, "/api/auth/unauthorized", "", nil, &challenge)
	var se *StatusError
	if err != nil && !(errors.As(err, &se) && se.Code == http.StatusUnauthorized) {
		return errors.Wrap(err, "egauge: failed to get auth challenge")
	}
	if challenge.Realm == "" || challenge.Nonce == "" {
		return errors.New("egauge: device returned no auth challenge")
	}

	cnnc, err := clientNonce()
	if err != nil {
		return err
	}
	req := loginRequest{
		Realm:       challenge.Realm,
		User:        d.creds.User,
		Nonce:       challenge.Nonce,
		ClientNonce: cnnc,
		Hash:        digest(d.creds.User, d.creds.Password, challenge.Realm, challenge.Nonce, cnnc),
	}

	var resp loginResponse
	if err := d.doJSON(ctx, http.MethodPost, "/api/auth/login", "", req, &resp); err != nil {
		return errors.Wrap(err, "egauge: login failed")
	}
	if resp.JWT == "" {
		if resp.Error != "" {
			return errors.Errorf("egauge: login failed: %s", resp.Error)
		}
		return errors.New("egauge: login returned no token")
	}

	d.mu.Lock()
	d.jwt = resp.JWT
	d.mu.Unlock()
	return nil
}

func digest(user, password, realm, nonce, cnonce string) string {
	ha1 := md5.Sum([]byte(user + ":" + realm + ":" + password))
	h := md5.Sum([]byte(hex.EncodeToString(ha1[:]) + ":" + nonce + ":" + cnonce))
	return hex.EncodeToString(h[:])
}

func clientNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "egauge: failed to generate client nonce")
	}
	return hex.EncodeToString(b), nil
}

func (d *Device) token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jwt
}

// get issues an authenticated GET, logging in again once when the token has expired
func (d *Device) get(ctx context.Context, path string, out any) error {
	err := d.doJSON(ctx, http.MethodGet, path, d.token(), nil, out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		if err := d.login(ctx); err != nil {
			return err
		}
		return d.doJSON(ctx, http.MethodGet, path, d.token(), nil, out)
	}
	return err
}

// doJSON sends body as JSON and decodes the response into out. A non-2xx response is a
// *StatusError; its body is still decoded into out when it is JSON.
func (d *Device) doJSON(ctx context.Context, method, path, jwt string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "egauge: failed to encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "egauge: failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "egauge: %s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "egauge: failed to read response of %s", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "egauge: invalid response of %s", path)
	}
	return nil
}

type registerInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Idx  int    `json:"idx"`
}

type registerRange struct {
	TS    json.Number `json:"ts"`
	Delta float64     `json:"delta"`
	Rows  [][]string  `json:"rows"`
}

type registerResponse struct {
	TS        json.Number     `json:"ts"`
	Registers []registerInfo  `json:"registers"`
	Ranges    []registerRange `json:"ranges"`
	Error     string          `json:"error"`
}

// Cumulative register values are reported in base units (watt-seconds for power registers);
// accumulatedUnits converts them into the unit a reading carries.
var accumulatedUnits = map[string]struct {
	Unit  string
	Scale float64
}{
	"P": {Unit: "kWh", Scale: 1.0 / 3.6e6},
	"S": {Unit: "kVAh", Scale: 1.0 / 3.6e6},
	"Q": {Unit: "kvarh", Scale: 1.0 / 3.6e6},
}

// FetchSeries reads the cumulative value of every register at each sample of r, newest first
func (d *Device) FetchSeries(ctx context.Context, r electro.TimeRange) (series *electro.Series, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "egauge.FetchSeries")
	spanKVs := make(map[string]any)
	defer func() {
		if series != nil {
			spanKVs["rows"] = len(series.Readings)
			spanKVs["registers"] = len(series.Registers)
		}
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	spanKVs["time"] = r.String()

	var resp registerResponse
	if err := d.get(ctx, "/api/register?time="+r.String(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Errorf("egauge: register read failed: %s", resp.Error)
	}
	return parseRegisters(&resp)
}

func parseRegisters(resp *registerResponse) (*electro.Series, error) {
	series := &electro.Series{
		Registers: make([]string, 0, len(resp.Registers)),
		Units:     make(map[string]string, len(resp.Registers)),
	}
	scales := make([]float64, len(resp.Registers))
	for i, reg := range resp.Registers {
		series.Registers = append(series.Registers, reg.Name)
		scales[i] = 1
		if u, ok := accumulatedUnits[reg.Type]; ok {
			series.Units[reg.Name] = u.Unit
			scales[i] = u.Scale
		}
	}

	for _, rg := range resp.Ranges {
		ts, err := strconv.ParseFloat(rg.TS.String(), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "egauge: invalid range timestamp %q", rg.TS)
		}
		for j, row := range rg.Rows {
			reading := electro.Reading{
				Timestamp: int64(ts - float64(j)*rg.Delta),
				Registers: make(map[string]float64, len(row)),
			}
			for i, raw := range row {
				if i >= len(resp.Registers) {
					break
				}
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "egauge: invalid value %q of register %s", raw, resp.Registers[i].Name)
				}
				reading.Registers[resp.Registers[i].Name] = v * scales[i]
			}
			series.Readings = append(series.Readings, reading)
		}
	}
	return series, nil
}
