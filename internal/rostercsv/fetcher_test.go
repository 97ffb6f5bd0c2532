package rostercsv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostercsv/internal/browser"
)

func TestFetchReloadsOnceAfterChallenge(t *testing.T) {
	url := charURL("NAE", "Foo", "")
	site := newFakeSite().add(url, &fakeDoc{html: "<body>Item Level: 1620.00</body>", challenge: true})
	f := newPageFetcher(site, testConfig(t), quietLogger())

	page, err := f.Fetch(context.Background(), url, 0)
	require.NoError(t, err)
	assert.True(t, page.Challenged)
	assert.Equal(t, "Item Level: 1620.00", page.Text)
	assert.Equal(t, 1, site.reloads)
	assert.Equal(t, 1, site.opened)
	assert.Equal(t, 1, site.closed)

	page, err = f.Fetch(context.Background(), url, 0)
	require.NoError(t, err)
	assert.False(t, page.Challenged)
	assert.Equal(t, 1, site.reloads)
}

func TestFetchClassifiesErrorsAndClosesPage(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		want      error
		retryable bool
	}{
		{"firefox reset", errors.New("page.goto: NS_ERROR_NET_RESET"), ErrNetworkTransient, true},
		{"chrome empty", errors.New("net::ERR_EMPTY_RESPONSE at https://x"), ErrNetworkTransient, true},
		{"socket", errors.New("socket hang up"), ErrNetworkTransient, true},
		{"deadline", context.DeadlineExceeded, browser.ErrNavigationTimeout, true},
		{"engine timeout", browser.ErrNavigationTimeout, browser.ErrNavigationTimeout, true},
		{"other", errors.New("target closed: boom"), nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			url := charURL("NAE", "Foo", "")
			site := newFakeSite().add(url, &fakeDoc{errs: []error{c.err}})
			f := newPageFetcher(site, testConfig(t), quietLogger())

			_, err := f.Fetch(context.Background(), url, 0)
			require.Error(t, err)
			if c.want != nil {
				assert.ErrorIs(t, err, c.want)
			}
			assert.Equal(t, c.retryable, retryable(err))
			assert.Equal(t, site.opened, site.closed)
		})
	}
}

func TestFetchPassesThroughNoEngine(t *testing.T) {
	site := newFakeSite()
	site.acquireErr = browser.ErrNoEngineAvailable
	f := newPageFetcher(site, testConfig(t), quietLogger())

	_, err := f.Fetch(context.Background(), testOrigin, 0)
	require.ErrorIs(t, err, browser.ErrNoEngineAvailable)
	assert.False(t, retryable(err))
	assert.Equal(t, 0, site.opened)
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	url := charURL("NAE", "Foo", "")
	site := newFakeSite().add(url, &fakeDoc{html: "<body>x</body>"})
	f := newPageFetcher(site, testConfig(t), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, url, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, site.opened, site.closed)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "abcde", truncateText("abcdefgh", 5))
	assert.Equal(t, "abcdefgh", truncateText("abcdefgh", 0))
	assert.Equal(t, "ab", truncateText("ab€", 4))
	assert.Equal(t, "ab€", truncateText("ab€", 5))
}

func TestIsChallenge(t *testing.T) {
	assert.True(t, isChallenge(challengeHTML))
	assert.True(t, isChallenge("<title>JUST A MOMENT</title>"))
	assert.False(t, isChallenge("<body>Item Level: 1620.00</body>"))
}
