package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Credentials yields SMTP AUTH credentials. An empty username means no AUTH.
type Credentials interface {
	Lookup(ctx context.Context) (username, password string, err error)
}

type StaticCredentials struct {
	Username string
	Password string
}

func (s StaticCredentials) Lookup(context.Context) (string, string, error) {
	return s.Username, s.Password, nil
}

type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretStore reads {"username": ..., "password": ...} secrets and keeps them
// for the life of the process.
type SecretStore struct {
	Client SecretsAPI

	mu    sync.Mutex
	cache map[string]StaticCredentials
}

func NewSecretStore(client SecretsAPI) *SecretStore {
	return &SecretStore{Client: client, cache: map[string]StaticCredentials{}}
}

type smtpSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *SecretStore) Get(ctx context.Context, name string) (StaticCredentials, error) {
	s.mu.Lock()
	if c, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return StaticCredentials{}, fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return StaticCredentials{}, errors.New("secret " + name + " has no string value")
	}
	var sec smtpSecret
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &sec); err != nil {
		return StaticCredentials{}, fmt.Errorf("decode secret %s: %w", name, err)
	}
	c := StaticCredentials{Username: sec.Username, Password: sec.Password}

	s.mu.Lock()
	s.cache[name] = c
	s.mu.Unlock()
	return c, nil
}

// Named binds a secret name so the store can be used as Credentials.
func (s *SecretStore) Named(name string) Credentials {
	return namedSecret{store: s, name: name}
}

type namedSecret struct {
	store *SecretStore
	name  string
}

func (n namedSecret) Lookup(ctx context.Context) (string, string, error) {
	c, err := n.store.Get(ctx, n.name)
	if err != nil {
		return "", "", err
	}
	return c.Username, c.Password, nil
}
