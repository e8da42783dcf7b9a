package wsserver

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/keys"
	"inferd/internal/manager"
	"inferd/internal/secure"
	"inferd/pkg/types"
)

const fillerChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&/()=[]?-_.:,;<>*+"

// exchange is one request and the key its responses are sealed to.
type exchange struct {
	s    *Server
	c    *Conn
	hash string
	pub  *rsa.PublicKey
}

// send seals r for the requester. Without a public key the response goes out
// as plain JSON under the "none" hash.
func (e *exchange) send(r types.Response) error {
	hash := secure.HashNone
	if e.pub != nil {
		hash = e.hash
		if f := e.s.opts.Encryption.ForceResponseHash; f != "" {
			hash = f
		}
		if e.s.opts.Encryption.Obfuscate {
			r.Obfuscate = filler()
		}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	env := types.ResponseEnvelope{Data: string(body), Hash: hash}
	if e.pub != nil {
		if env.Data, err = secure.Encrypt(hash, e.pub, body); err != nil {
			return err
		}
	}
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.c.Send(string(out))
}

func (e *exchange) fail(err error) error {
	return e.send(types.Response{Errors: []string{err.Error()}, Ended: true})
}

func (s *Server) handle(ctx context.Context, c *Conn, log zerolog.Logger, ip, raw string) {
	messagesTotal.WithLabelValues("request").Inc()
	plain := &exchange{s: s, c: c}

	var env types.RequestEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.reject(plain, log, fmt.Errorf("invalid envelope: %w", err))
		return
	}
	if err := s.checkVersion(env.ClientVersion()); err != nil {
		log.Debug().Err(err).Int("version", env.ClientVersion()).Msg("client version rejected")
		_ = plain.fail(err)
		return
	}
	if !slices.Contains(s.opts.Encryption.AllowedHashes, env.Hash) {
		s.reject(plain, log, fmt.Errorf("Invalid hash. Valid hashes are %v", s.opts.Encryption.AllowedHashes))
		return
	}
	pub, err := secure.ParsePublicKey([]byte(env.PublicKey))
	if err != nil {
		s.reject(plain, log, err)
		return
	}
	ex := &exchange{s: s, c: c, hash: env.Hash, pub: pub}
	if w, ok := s.opts.Encryption.HashWarnings[env.Hash]; ok {
		if w == "" {
			w = config.DeprecatedHashWarning(env.Hash)
		}
		if err := ex.send(types.Response{Warnings: []string{w}}); err != nil {
			return
		}
	}
	content, err := secure.Decrypt(env.Hash, s.opts.KeyPair.Private, env.Content, s.threads)
	if err != nil {
		s.reject(plain, log, err)
		return
	}

	var p types.RequestPayload
	if err := json.Unmarshal(content, &p); err != nil {
		_ = ex.fail(fmt.Errorf("Error processing message (%v).", err))
		return
	}
	log = log.With().Str("service", p.Service).Str("model", p.ModelName).Logger()
	if err := s.dispatch(ctx, ex, ip, p); err != nil {
		log.Debug().Err(err).Msg("request finished with error")
	}
}

// reject answers a request that could not be opened.
func (s *Server) reject(e *exchange, log zerolog.Logger, err error) {
	log.Debug().Err(err).Msg("request rejected")
	_ = e.fail(fmt.Errorf("Error decrypting message (%v).", err))
}

func (s *Server) checkVersion(v int) error {
	lo, hi := s.opts.ClientVersion.Bounds()
	if v == -1 {
		if s.opts.ClientVersion.AcceptUnknown {
			return nil
		}
	} else if v >= lo && v <= hi {
		return nil
	}
	return NotImplementedError{Reason: "Client version not accepted."}
}

func (s *Server) dispatch(ctx context.Context, ex *exchange, ip string, p types.RequestPayload) error {
	svc := s.opts.Service
	switch p.Service {
	case types.ServiceInference:
		if s.opts.Keys == nil {
			return ex.fail(keys.ErrInvalidKey)
		}
		key, err := s.opts.Keys.Resolve(ctx, p.Key, ip)
		if err != nil {
			return ex.fail(err)
		}
		return svc.Infer(ctx, manager.InferRequest{
			Model:          p.ModelName,
			Prompt:         p.Prompt,
			UserParameters: p.UserParameters,
			Key:            key,
		}, ex.send)
	case types.ServiceQueueData:
		qs, err := svc.QueueStatus(p.ModelName)
		if err != nil {
			return ex.fail(err)
		}
		return ex.send(types.Response{Result: qs, Ended: true})
	case types.ServiceModelInfo:
		info, err := svc.ModelInfo(p.ModelName)
		if err != nil {
			return ex.fail(err)
		}
		return ex.send(types.Response{Result: info, Ended: true})
	case types.ServiceAvailableModels:
		return ex.send(types.Response{Result: svc.ListModels(), Ended: true})
	}
	return ex.fail(fmt.Errorf("unknown service %q", p.Service))
}

func filler() string {
	b := make([]byte, 5+rand.IntN(21))
	for i := range b {
		b[i] = fillerChars[rand.IntN(len(fillerChars))]
	}
	return string(b)
}

