package scoring

import "sync"

// Provider builds a Service on first use and hands the same instance to
// every caller afterwards. A failed build is remembered and returned again.
type Provider struct {
	once  sync.Once
	build func() (*Service, error)
	svc   *Service
	err   error
}

func NewProvider(build func() (*Service, error)) *Provider {
	return &Provider{build: build}
}

// Get returns the shared Service.
func (p *Provider) Get() (*Service, error) {
	p.once.Do(func() {
		p.svc, p.err = p.build()
	})
	return p.svc, p.err
}
