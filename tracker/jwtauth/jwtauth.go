// Package jwtauth implements a Hook that fails an Announce if the client's
// request is missing a valid JSON Web Token.
//
// JWTs are validated against the standard claims in RFC7519 along with an
// extra "infohash" claim that verifies the client has access to the Swarm.
// RS256 keys are asynchronously rotated from a provided JWK Set HTTP
// endpoint.
package jwtauth

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	jc "github.com/SermoDigital/jose/crypto"
	"github.com/SermoDigital/jose/jws"
	"github.com/SermoDigital/jose/jwt"
	"github.com/mendsley/gojwk"
	yaml "gopkg.in/yaml.v2"

	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/pkg/log"
	"github.com/okami-tracker/okami/pkg/stop"
	"github.com/okami-tracker/okami/tracker"
)

// Name is the name by which this hook is registered.
const Name = "jwt"

func init() {
	tracker.RegisterHookDriver(Name, driver{})
}

var _ tracker.HookDriver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (tracker.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for hook %s: %s", Name, err)
	}

	return NewHook(cfg)
}

var (
	// ErrMissingJWT is returned when a JWT is missing from a request.
	ErrMissingJWT = bittorrent.ClientError("unapproved request: missing jwt")

	// ErrInvalidJWT is returned when a JWT fails to verify.
	ErrInvalidJWT = bittorrent.ClientError("unapproved request: invalid jwt")
)

// Config represents all the values required by this hook to fetch JWKs and
// verify JWTs.
type Config struct {
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	JWKSetURL         string        `yaml:"jwk_set_url"`
	JWKUpdateInterval time.Duration `yaml:"jwk_set_update_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"issuer":            cfg.Issuer,
		"audience":          cfg.Audience,
		"JWKSetURL":         cfg.JWKSetURL,
		"JWKUpdateInterval": cfg.JWKUpdateInterval,
	}
}

type hook struct {
	cfg Config

	mu         sync.RWMutex
	publicKeys map[string]crypto.PublicKey

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewHook returns an instance of the JWT authorization hook. The initial JWK
// Set fetch happens synchronously so a passing announce can never precede
// key material.
func NewHook(cfg Config) (tracker.Hook, error) {
	h := &hook{
		cfg:        cfg,
		publicKeys: map[string]crypto.PublicKey{},
		closing:    make(chan struct{}),
	}

	log.Debug("performing initial fetch of JWKs")
	if err := h.updateKeys(); err != nil {
		return nil, errors.New("failed to fetch initial JWK Set: " + err.Error())
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.closing:
				return
			case <-time.After(cfg.JWKUpdateInterval):
				log.Debug("performing fetch of JWKs")
				if err := h.updateKeys(); err != nil {
					log.Error("failed to fetch JWK Set", log.Err(err))
				}
			}
		}
	}()

	return h, nil
}

func (h *hook) updateKeys() error {
	resp, err := http.Get(h.cfg.JWKSetURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsedJWKs gojwk.Key
	err = json.NewDecoder(resp.Body).Decode(&parsedJWKs)
	if err != nil {
		return err
	}

	keys := map[string]crypto.PublicKey{}
	for _, parsedJWK := range parsedJWKs.Keys {
		publicKey, err := parsedJWK.DecodePublicKey()
		if err != nil {
			return err
		}
		keys[parsedJWK.Kid] = publicKey
	}

	h.mu.Lock()
	h.publicKeys = keys
	h.mu.Unlock()

	log.Debug("successfully fetched JWK Set")
	return nil
}

func (h *hook) Stop() stop.Result {
	log.Debug("attempting to shutdown JWT hook")
	c := make(stop.Channel)
	go func() {
		close(h.closing)
		h.wg.Wait()
		c.Done()
	}()

	return c.Result()
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if req.Params == nil {
		return ctx, ErrMissingJWT
	}

	jwtParam, ok := req.Params.String("jwt")
	if !ok {
		return ctx, ErrMissingJWT
	}

	h.mu.RLock()
	keys := h.publicKeys
	h.mu.RUnlock()

	if err := validateJWT(req.InfoHash, []byte(jwtParam), h.cfg.Issuer, h.cfg.Audience, keys); err != nil {
		return ctx, ErrInvalidJWT
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes don't require any protection.
	return ctx, nil
}

func validateJWT(ih bittorrent.InfoHash, jwtBytes []byte, cfgIss, cfgAud string, publicKeys map[string]crypto.PublicKey) error {
	parsedJWT, err := jws.ParseJWT(jwtBytes)
	if err != nil {
		return err
	}

	claims := parsedJWT.Claims()
	if iss, ok := claims.Issuer(); !ok || iss != cfgIss {
		return jwt.ErrInvalidISSClaim
	}

	if aud, ok := claims.Audience(); !ok || !validAudience(aud, cfgAud) {
		return jwt.ErrInvalidAUDClaim
	}

	ihClaim, ok := claims.Get("infohash").(string)
	if !ok || !validInfoHash(ihClaim, ih) {
		return errors.New("claim \"infohash\" is invalid")
	}

	parsedJWS := parsedJWT.(jws.JWS)
	kid, ok := parsedJWS.Protected().Get("kid").(string)
	if !ok {
		return errors.New("invalid kid")
	}
	publicKey, ok := publicKeys[kid]
	if !ok {
		return errors.New("signed by unknown kid")
	}

	return parsedJWS.Verify(publicKey, jc.SigningMethodRS256)
}

func validAudience(aud []string, cfgAud string) bool {
	for _, a := range aud {
		if a == cfgAud {
			return true
		}
	}
	return false
}

func validInfoHash(claim string, ih bittorrent.InfoHash) bool {
	if len(claim) == 20 && bittorrent.InfoHashFromString(claim) == ih {
		return true
	}

	unescapedClaim, err := url.QueryUnescape(claim)
	if err != nil {
		return false
	}

	return len(unescapedClaim) == 20 && bittorrent.InfoHashFromString(unescapedClaim) == ih
}
