package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/JakeFAU/chartsnap/internal/browser"
)

type fakePage struct {
	mu          sync.Mutex
	viewport    [2]int64
	cookies     []browser.Cookie
	visited     []string
	screenshots int
	navErr      error
	shotErr     error
}

func (p *fakePage) SetViewport(_ context.Context, w, h int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = [2]int64{w, h}
	return nil
}

func (p *fakePage) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, url)
	return p.navErr
}

func (p *fakePage) DismissOverlays(context.Context) error { return nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	p.screenshots++
	return []byte("\x89PNG-fake"), nil
}

// prefixDecrypter "decrypts" blobs of the form sealed:<plaintext>.
type prefixDecrypter struct{}

func (prefixDecrypter) Decrypt(blob string) (string, error) {
	plain, ok := strings.CutPrefix(blob, "sealed:")
	if !ok {
		return "", errors.New("bad blob")
	}
	return plain, nil
}
