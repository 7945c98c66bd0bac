package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

// HostPage evaluates the agent script's functions in one attached tab.
type HostPage struct {
	tabCtx context.Context
}

// NewHostPage wraps an attached tab context.
func NewHostPage(tabCtx context.Context) *HostPage {
	return &HostPage{tabCtx: tabCtx}
}

// Call invokes window.__exportPreview[fn](args...) and decodes the result
// into out. A page without the script yields null.
func (p *HostPage) Call(ctx context.Context, fn string, out any, args ...any) error {
	expr, err := callExpression(fn, args)
	if err != nil {
		return err
	}
	c := chromedp.FromContext(p.tabCtx)
	if c == nil || c.Target == nil {
		return ErrNoBrowser
	}

	var raw []byte
	if err := chromedp.Evaluate(expr, &raw).Do(cdp.WithExecutor(ctx, c.Target)); err != nil {
		return fmt.Errorf("cdp: calling %s: %w", fn, err)
	}
	if out == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cdp: decoding %s result: %w", fn, err)
	}
	return nil
}

func callExpression(fn string, args []any) (string, error) {
	name, err := json.Marshal(fn)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("cdp: encoding argument %d of %s: %w", i, fn, err)
		}
		parts[i] = string(b)
	}
	return fmt.Sprintf("(window.__exportPreview && typeof window.__exportPreview[%[1]s] === \"function\") ? window.__exportPreview[%[1]s](%[2]s) : null",
		name, strings.Join(parts, ",")), nil
}
