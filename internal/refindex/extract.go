package refindex

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Extractor finds attachment IDs in a piece of text.
type Extractor func(ctx context.Context, text string) ([]int64, error)

// ExistsFunc reports whether an attachment ID is real.
type ExistsFunc func(ctx context.Context, id int64) (bool, error)

var (
	reImageClass  = regexp.MustCompile(`wp-image-(\d+)`)
	reMediaBlock  = regexp.MustCompile(`wp:(?:image|cover|video|audio|file)\s+\{[^}]*"id"\s*:\s*(\d+)`)
	reMediaText   = regexp.MustCompile(`wp:media-text\s+\{[^}]*"mediaId"\s*:\s*(\d+)`)
	reAttachParam = regexp.MustCompile(`\?attachment_id=(\d+)`)
	reGenericID   = regexp.MustCompile(`"id"\s*:\s*(\d+)`)
	reMetaID      = regexp.MustCompile(`"(?:id|image_id|attach_id|attachment_id)"\s*:\s*"?(\d+)"?`)
)

// structuralExtractor matches editor markers that always name an
// attachment: image classes, media block attributes and attachment links.
func structuralExtractor() Extractor {
	patterns := []*regexp.Regexp{reImageClass, reMediaBlock, reMediaText, reAttachParam}
	return func(_ context.Context, text string) ([]int64, error) {
		var ids []int64
		for _, re := range patterns {
			ids = append(ids, submatchIDs(re, text)...)
		}
		return ids, nil
	}
}

// validatedExtractor matches a generic numeric pattern and keeps only the
// IDs that belong to existing attachments.
func validatedExtractor(re *regexp.Regexp, exists ExistsFunc) Extractor {
	return func(ctx context.Context, text string) ([]int64, error) {
		var ids []int64
		seen := make(map[int64]bool)
		for _, id := range submatchIDs(re, text) {
			if seen[id] {
				continue
			}
			seen[id] = true
			ok, err := exists(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
}

// urlExtractor resolves every match of re through the resolver.
func urlExtractor(re *regexp.Regexp, r *Resolver) Extractor {
	return func(ctx context.Context, text string) ([]int64, error) {
		var ids []int64
		for _, m := range re.FindAllString(text, -1) {
			id, err := r.Resolve(ctx, m)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
}

// absoluteUploadURL matches protocol-relative or absolute URLs into the
// uploads directory.
func absoluteUploadURL(marker string) *regexp.Regexp {
	return regexp.MustCompile(`(?:https?:)?//[^"'>\s]+/` + regexp.QuoteMeta(marker) + `/[^"'>\s]+`)
}

// uploadPath matches bare upload paths inside serialized builder data,
// where slashes may be escaped.
func uploadPath(marker string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(marker) + `/[^"'>\s\\]+`)
}

// urlAttributes are the HTML attributes that carry media URLs.
var urlAttributes = map[string]bool{
	"src":           true,
	"srcset":        true,
	"href":          true,
	"poster":        true,
	"data-src":      true,
	"data-srcset":   true,
	"data-full-url": true,
}

// htmlExtractor tokenizes markup and resolves media URLs found in
// attributes, including relative URLs and srcset candidates the plain URL
// pattern does not see.
func htmlExtractor(r *Resolver) Extractor {
	return func(ctx context.Context, text string) ([]int64, error) {
		if !strings.Contains(text, r.Marker()) {
			return nil, nil
		}
		var ids []int64
		z := html.NewTokenizer(strings.NewReader(text))
		for {
			tt := z.Next()
			if tt == html.ErrorToken {
				return ids, nil
			}
			if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
				continue
			}
			for _, attr := range z.Token().Attr {
				if !urlAttributes[attr.Key] {
					continue
				}
				for _, ref := range attributeURLs(attr.Key, attr.Val) {
					id, err := r.Resolve(ctx, ref)
					if err != nil {
						return nil, err
					}
					ids = append(ids, id)
				}
			}
		}
	}
}

// attributeURLs splits srcset-style values into their URL candidates.
func attributeURLs(key, val string) []string {
	if !strings.HasSuffix(key, "srcset") {
		return []string{strings.TrimSpace(val)}
	}
	var out []string
	for _, candidate := range strings.Split(val, ",") {
		if fields := strings.Fields(candidate); len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

func submatchIDs(re *regexp.Regexp, text string) []int64 {
	var ids []int64
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if id, err := strconv.ParseInt(m[len(m)-1], 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// runChain applies every extractor and returns the distinct positive IDs in
// first-seen order.
func runChain(ctx context.Context, chain []Extractor, text string) ([]int64, error) {
	if text == "" {
		return nil, nil
	}
	var out []int64
	seen := make(map[int64]bool)
	for _, ex := range chain {
		ids, err := ex(ctx, text)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id > 0 && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}
