package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"pinedocs/internal/config"
	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
)

// countAnchorsJS counts DOM anchors carrying reference-taxonomy ids and
// reports the page's scroll extent, letting the wait loop decide whether
// lazy-loaded sections are still arriving.
const countAnchorsJS = `() => {
	const prefixes = ["var_", "fun_", "const_", "type_", "kw_", "op_", "an_"];
	let count = 0;
	for (const el of document.querySelectorAll("[id]")) {
		const id = el.id;
		if (prefixes.some(p => id.startsWith(p))) count++;
	}
	return { count: count, height: document.body ? document.body.scrollHeight : 0 };
}`

// collectAnchorsJS returns anchor ids in document order.
const collectAnchorsJS = `() => {
	const prefixes = ["var_", "fun_", "const_", "type_", "kw_", "op_", "an_"];
	const ids = [];
	for (const el of document.querySelectorAll("[id]")) {
		const id = el.id;
		if (prefixes.some(p => id.startsWith(p))) ids.push(id);
	}
	return ids;
}`

const scrollToBottomJS = `() => { window.scrollTo(0, document.body.scrollHeight); return true; }`
const scrollToTopJS = `() => { window.scrollTo(0, 0); return true; }`

// Result is the outcome of rendering one page to a settled DOM.
type Result struct {
	HTML        string
	AnchorIDs   []string
	Environment Environment
	Status      string
	Notes       string
}

// Renderer drives a headless browser to capture fully rendered snapshots.
// All environment knobs come from configuration so repeated runs are
// reproducible; nothing about the environment is decided at render time.
type Renderer struct {
	cfg     *config.Config
	pacer   *Pacer
	browser *rod.Browser
}

// NewRenderer builds a renderer from configuration. The browser is launched
// lazily on first use.
func NewRenderer(cfg *config.Config) *Renderer {
	return &Renderer{
		cfg:   cfg,
		pacer: NewPacer(cfg.Render.RequestsPerSecond, cfg.Render.Retries, cfg.GetBackoff()),
	}
}

// Start launches (or connects to) the browser.
func (r *Renderer) Start(ctx context.Context) error {
	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		logging.RenderWarn("stale browser connection detected, relaunching")
		_ = r.browser.Close()
		r.browser = nil
	}

	controlURL, err := launcher.New().Headless(r.cfg.Render.Headless).Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	r.browser = browser
	logging.Render("browser connected (%s)", controlURL)
	return nil
}

// Shutdown closes the browser.
func (r *Renderer) Shutdown() error {
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}

// Render captures one page. It navigates, waits for the anchor population to
// stabilize, settles, and returns the serialized DOM. Any failure to reach a
// settled page returns a SourceUnavailableError so the caller can trip the
// fallback machine instead of committing a partial snapshot.
func (r *Renderer) Render(ctx context.Context, url, docType string) (*Result, error) {
	if err := r.Start(ctx); err != nil {
		return nil, &qc.SourceUnavailableError{URL: url, Reason: "browser_unavailable", Err: err}
	}

	timer := logging.StartTimer(logging.CategoryRender, fmt.Sprintf("render %s", url))

	var result *Result
	err := r.pacer.Do(ctx, url, func() error {
		res, err := r.renderOnce(ctx, url, docType)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		timer.Stop()
		if qc.IsSourceUnavailable(err) {
			return nil, err
		}
		return nil, &qc.SourceUnavailableError{URL: url, Reason: "render_failed", Err: err}
	}

	timer.StopWithInfo("%d anchors, %d bytes", len(result.AnchorIDs), len(result.HTML))
	return result, nil
}

func (r *Renderer) renderOnce(ctx context.Context, url, docType string) (*Result, error) {
	incognito, err := r.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	env, err := r.applyEnvironment(page)
	if err != nil {
		return nil, err
	}

	if err := page.Timeout(r.cfg.GetMaxWait()).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.Timeout(r.cfg.GetMaxWait()).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load %s: %w", url, err)
	}

	status, notes, err := r.waitForAnchorStability(ctx, page, url, docType)
	if err != nil {
		return nil, err
	}

	// Settle delay after stabilization, then capture from the top of the
	// document so scroll position never leaks into the snapshot.
	time.Sleep(r.cfg.GetPostRenderDelay())
	if _, err := page.Eval(scrollToTopJS); err != nil {
		logging.RenderWarn("scroll to top failed: %v", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("serialize DOM: %w", err)
	}

	anchorIDs, err := r.collectAnchors(page)
	if err != nil {
		return nil, err
	}

	return &Result{
		HTML:        html,
		AnchorIDs:   anchorIDs,
		Environment: env,
		Status:      status,
		Notes:       notes,
	}, nil
}

// applyEnvironment pins viewport, locale, timezone, and user agent before
// navigation. Failure here is fatal: an unpinned environment breaks the
// reproducibility guarantee.
func (r *Renderer) applyEnvironment(page *rod.Page) (Environment, error) {
	rc := r.cfg.Render

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             rc.ViewportWidth,
		Height:            rc.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		return Environment{}, fmt.Errorf("set viewport: %w", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: rc.Locale}).Call(page); err != nil {
		return Environment{}, fmt.Errorf("set locale: %w", err)
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: rc.Timezone}).Call(page); err != nil {
		return Environment{}, fmt.Errorf("set timezone: %w", err)
	}
	if err := (proto.NetworkSetUserAgentOverride{UserAgent: rc.UserAgent}).Call(page); err != nil {
		return Environment{}, fmt.Errorf("set user agent: %w", err)
	}

	env := Environment{
		RenderEngine:   "chromium",
		UserAgent:      rc.UserAgent,
		ViewportWidth:  rc.ViewportWidth,
		ViewportHeight: rc.ViewportHeight,
		Locale:         rc.Locale,
		Timezone:       rc.Timezone,
	}
	if version, err := r.browser.Version(); err == nil {
		name, ver, _ := strings.Cut(version.Product, "/")
		env.BrowserName = name
		env.BrowserVersion = ver
	}
	return env, nil
}

// waitForAnchorStability polls the anchor count until it passes the minimum
// threshold and holds steady for the configured number of checks, scrolling
// to the bottom between polls to trigger lazy loading. Guide pages carry few
// or no taxonomy anchors, so for them stability of the scroll height stands
// in for anchor count stability.
func (r *Renderer) waitForAnchorStability(ctx context.Context, page *rod.Page, url, docType string) (string, string, error) {
	rc := r.cfg.Render
	deadline := time.Now().Add(r.cfg.GetMaxWait())
	interval := r.cfg.GetStabilizeInterval()

	lastCount := -1
	lastHeight := -1
	stableChecks := 0
	scrolls := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", "", fmt.Errorf("stability wait cancelled: %w", err)
		}
		if time.Now().After(deadline) {
			return "", "", &qc.SourceUnavailableError{
				URL:    url,
				Reason: "anchor_stability_timeout",
			}
		}

		obj, err := page.Eval(countAnchorsJS)
		if err != nil {
			return "", "", fmt.Errorf("count anchors: %w", err)
		}
		count := obj.Value.Get("count").Int()
		height := obj.Value.Get("height").Int()

		settled := false
		if docType == DocTypeReference {
			settled = count == lastCount && count >= rc.AnchorMinThreshold
		} else {
			settled = height == lastHeight && height > 0
		}

		if settled {
			stableChecks++
			if stableChecks >= rc.StabilizeChecks {
				logging.RenderDebug("page settled: %d anchors, height %d, %d scrolls",
					count, height, scrolls)
				return StatusComplete, "", nil
			}
		} else {
			stableChecks = 0
		}
		lastCount = count
		lastHeight = height

		if scrolls < rc.MaxScrolls {
			if _, err := page.Eval(scrollToBottomJS); err != nil {
				logging.RenderWarn("scroll failed: %v", err)
			}
			scrolls++
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return "", "", fmt.Errorf("stability wait cancelled: %w", ctx.Err())
		}
	}
}

func (r *Renderer) collectAnchors(page *rod.Page) ([]string, error) {
	obj, err := page.Eval(collectAnchorsJS)
	if err != nil {
		return nil, fmt.Errorf("collect anchors: %w", err)
	}
	arr := obj.Value.Arr()
	ids := make([]string, 0, len(arr))
	for _, v := range arr {
		ids = append(ids, v.Str())
	}
	return ids, nil
}
