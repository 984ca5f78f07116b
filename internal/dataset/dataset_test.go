package dataset

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/JakeFAU/flowlens/internal/flow"
)

const sampleCSV = `keyword_term,publisher_url,reporting_destination_url,serp_template_key,ad_title,ad_description,ts,impressions,clicks,conversions
running shoes,https://www.news.example.com/a,https://shop.example.com/run,T8F75KL,Fast Shoes,Light and quick,2024-05-01 10:00:00,100,10,2
trail shoes,https://blog.example.org/b,https://shop.example.com/trail,T8F75KL,Trail Shoes,Grip,2024-05-02T11:00:00Z,50,5,1
`

type staticReader map[string][]byte

func (s staticReader) Read(_ context.Context, source string) ([]byte, error) {
	data, ok := s[source]
	if !ok {
		return nil, flow.ErrSourceUnavailable
	}
	return data, nil
}

func TestParseRecordsMapsColumns(t *testing.T) {
	t.Parallel()

	res, err := ParseRecords([]byte(sampleCSV))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Empty(t, res.Skipped)

	rec := res.Records[0]
	assert.Equal(t, "running shoes", rec.Keyword)
	assert.Equal(t, "news.example.com", rec.PublisherDomain)
	assert.Equal(t, "https://shop.example.com/run", rec.LandingURL)
	assert.Equal(t, "T8F75KL", rec.SerpTemplateKey)
	assert.Equal(t, "Fast Shoes Light and quick", rec.AdText())
	assert.InDelta(t, 2.0, rec.Conversions, 1e-9)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, time.Date(2024, 5, 2, 11, 0, 0, 0, time.UTC), res.Records[1].Timestamp)
}

func TestParseRecordsRepairsAndSkips(t *testing.T) {
	t.Parallel()

	input := "keyword_term,publisher_url,impressions,clicks\n" +
		"a,https://a.example,10,1\n" +
		"b,https://b.example,20\n" + // padded: 3 of 4 present
		"c\n" + // skipped: 1 of 4
		"d,https://d.example,1,2,3,4,5\n" + // skipped: too many
		"e,https://e.example,n/a,NaN\n"

	res, err := ParseRecords([]byte(input))
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Len(t, res.Skipped, 2)
	assert.Equal(t, "b", res.Records[1].Keyword)
	assert.Zero(t, res.Records[1].Clicks)
	assert.Zero(t, res.Records[2].Impressions)
	assert.Zero(t, res.Records[2].Clicks)
}

func TestParseRecordsAliases(t *testing.T) {
	t.Parallel()

	input := "Keyword,Publisher_Domain,serp_template_name,timestamp,landing_url\n" +
		"shoes,WWW.Example.com,tmpl-1,1714557600,https://l.example\n"
	res, err := ParseRecords([]byte(input))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "example.com", rec.PublisherDomain)
	assert.Equal(t, "tmpl-1", rec.SerpTemplateKey)
	assert.Equal(t, "https://l.example", rec.LandingURL)
	assert.Equal(t, int64(1714557600), rec.Timestamp.Unix())
}

func TestParseRecordsEmpty(t *testing.T) {
	t.Parallel()

	_, err := ParseRecords(nil)
	require.ErrorIs(t, err, ErrNoHeader)
}

func TestUnpackDetectsCompression(t *testing.T) {
	t.Parallel()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := Unpack(gz.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(out))

	var zbuf bytes.Buffer
	arc := zip.NewWriter(&zbuf)
	readme, err := arc.Create("README.txt")
	require.NoError(t, err)
	_, err = readme.Write([]byte("ignore me"))
	require.NoError(t, err)
	data, err := arc.Create("export/flows.CSV")
	require.NoError(t, err)
	_, err = data.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, arc.Close())

	out, err = Unpack(zbuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(out))

	out, err = Unpack([]byte(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(out))

	pkHeader := "PKG_keyword,clicks\nshoes,3\n"
	out, err = Unpack([]byte(pkHeader))
	require.NoError(t, err)
	assert.Equal(t, pkHeader, string(out))
}

func TestOpenerRejectsOversizedSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))

	_, err := NewOpener(WithMaxBytes(16)).Read(context.Background(), path)
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")

	data, err := NewOpener(WithMaxBytes(int64(len(sampleCSV)))).Read(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(data))
}

func TestUnpackRejectsHTMLAndEmpty(t *testing.T) {
	t.Parallel()

	_, err := Unpack([]byte("<!DOCTYPE html><html><title>Google Drive - Quota</title></html>"))
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
	_, err = Unpack(nil)
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
}

func TestToUTF8(t *testing.T) {
	t.Parallel()

	bom := append([]byte{0xef, 0xbb, 0xbf}, []byte("keyword\n")...)
	out, err := ToUTF8(bom)
	require.NoError(t, err)
	assert.Equal(t, "keyword\n", string(out))

	latin := "keyword_term,ad_title\ncafé crème,Le café du matin est très bon pour la santé et la journée\n"
	encoded, err := charmap.ISO8859_1.NewEncoder().String(latin)
	require.NoError(t, err)
	out, err = ToUTF8([]byte(encoded))
	require.NoError(t, err)
	assert.Contains(t, string(out), "café crème")

	utf16 := []byte{0xff, 0xfe, 'k', 0, 'w', 0}
	out, err = ToUTF8(utf16)
	require.NoError(t, err)
	assert.Equal(t, "kw", string(out))
}

func TestParseTemplatesShapes(t *testing.T) {
	t.Parallel()

	byKey, err := ParseTemplates([]byte(`{"T8F75KL": "<html>a</html>"}`))
	require.NoError(t, err)
	assert.Equal(t, "<html>a</html>", byKey["T8F75KL"])

	list, err := ParseTemplates([]byte(`[{"code": "<html>b</html>", "name": "legacy"}, {"code": "<html>c</html>"}, {"key": "empty"}]`))
	require.NoError(t, err)
	assert.Equal(t, "<html>b</html>", list["legacy"])
	assert.Equal(t, "<html>c</html>", list["1"])
	assert.Len(t, list, 2)

	_, err = ParseTemplates([]byte(`"nope"`))
	require.Error(t, err)
	_, err = ParseTemplates(nil)
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
}

func TestLoaderLoadDataset(t *testing.T) {
	t.Parallel()

	loader := NewLoader(staticReader{"flows.csv": []byte(sampleCSV)}, nil, nil)
	ds, err := loader.LoadDataset(context.Background(), "flows.csv")
	require.NoError(t, err)
	assert.Len(t, ds.Records, 2)
	assert.Equal(t, "flows.csv", ds.Source)
	assert.False(t, ds.LoadedAt.IsZero())

	_, err = loader.LoadDataset(context.Background(), "missing.csv")
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)

	headerOnly := NewLoader(staticReader{"h.csv": []byte("keyword_term,clicks\n")}, nil, nil)
	_, err = headerOnly.LoadDataset(context.Background(), "h.csv")
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
}

type countingReader struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *countingReader) Read(_ context.Context, source string) ([]byte, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("network down")
	}
	if strings.HasSuffix(source, ".json") {
		return []byte(`{"K": "<html></html>"}`), nil
	}
	return []byte(sampleCSV), nil
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestProviderCachesAndRefreshes(t *testing.T) {
	t.Parallel()

	reader := &countingReader{}
	clk := &stepClock{now: time.Unix(1700000000, 0)}
	provider := NewProvider(NewLoader(reader, nil, clk), "flows.csv", "t.json", time.Hour)
	ctx := context.Background()

	_, err := provider.Dataset(ctx)
	require.NoError(t, err)
	_, err = provider.Dataset(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reader.calls.Load())

	templates, err := provider.Templates(ctx)
	require.NoError(t, err)
	assert.Contains(t, templates, "K")
	assert.EqualValues(t, 2, reader.calls.Load())

	clk.now = clk.now.Add(2 * time.Hour)
	reader.fail.Store(true)
	ds, err := provider.Dataset(ctx)
	require.NoError(t, err, "stale snapshot should be served when reload fails")
	assert.Len(t, ds.Records, 2)
}

// slowReader serves sampleCSV, blocking every read after the first until release closes.
type slowReader struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowReader) Read(ctx context.Context, _ string) ([]byte, error) {
	if s.calls.Add(1) > 1 {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte(sampleCSV), nil
}

func TestProviderServesStaleSnapshotDuringReload(t *testing.T) {
	t.Parallel()

	reader := &slowReader{release: make(chan struct{})}
	start := time.Unix(1700000000, 0)
	clk := &stepClock{now: start}
	provider := NewProvider(NewLoader(reader, nil, clk), "flows.csv", "", time.Hour)
	ctx := context.Background()

	first, err := provider.Dataset(ctx)
	require.NoError(t, err)
	clk.now = start.Add(2 * time.Hour)

	done := make(chan flow.Dataset, 2)
	for range 2 {
		go func() {
			ds, err := provider.Dataset(ctx)
			assert.NoError(t, err)
			done <- ds
		}()
	}
	for range 2 {
		select {
		case ds := <-done:
			assert.Equal(t, first.LoadedAt, ds.LoadedAt)
		case <-time.After(time.Second):
			t.Fatal("dataset call blocked on the background reload")
		}
	}

	close(reader.release)
	assert.Eventually(t, func() bool {
		ds, err := provider.Dataset(ctx)
		return err == nil && ds.LoadedAt.Equal(start.Add(2*time.Hour))
	}, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, reader.calls.Load())
}

func TestProviderTemplatesFailureIsSourceUnavailable(t *testing.T) {
	t.Parallel()

	reader := &countingReader{}
	reader.fail.Store(true)
	clk := &stepClock{now: time.Unix(1700000000, 0)}
	provider := NewProvider(NewLoader(reader, nil, clk), "flows.csv", "t.json", 0)
	ctx := context.Background()

	for range 3 {
		_, err := provider.Templates(ctx)
		require.ErrorIs(t, err, flow.ErrSourceUnavailable)
	}
	assert.EqualValues(t, 1, reader.calls.Load())

	reader.fail.Store(false)
	clk.now = clk.now.Add(2 * time.Minute)
	templates, err := provider.Templates(ctx)
	require.NoError(t, err)
	assert.Contains(t, templates, "K")

	empty, err := NewProvider(NewLoader(reader, nil, clk), "flows.csv", "", 0).Templates(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenerReadsFileAndHTTP(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "flowlens-test", r.UserAgent())
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer server.Close()

	opener := NewOpener(WithUserAgent("flowlens-test"))
	ctx := context.Background()

	data, err := opener.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(data))

	data, err = opener.Read(ctx, server.URL+"/flows.csv")
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(data))

	_, err = opener.Read(ctx, server.URL+"/missing")
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
	_, err = opener.Read(ctx, "gs://bucket/flows.csv")
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
	_, err = opener.Read(ctx, filepath.Join(dir, "nope.csv"))
	require.ErrorIs(t, err, flow.ErrSourceUnavailable)
}
