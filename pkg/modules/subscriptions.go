package modules

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// Dialect is the format a monitoring subscription is delivered in.
type Dialect string

const (
	DialectRAW        Dialect = "RAW"
	DialectClassAd    Dialect = "CLASSAD"
	DialectOldClassAd Dialect = "OLD_CLASSAD"
	DialectLDIF       Dialect = "LDIF"
)

// Valid reports whether d is one of the known dialects.
func (d Dialect) Valid() bool {
	switch d {
	case DialectRAW, DialectClassAd, DialectOldClassAd, DialectLDIF:
		return true
	}
	return false
}

// Subscription is a monitoring destination and the dialect it receives.
type Subscription struct {
	URI     string
	Dialect Dialect
}

// SubscriptionTopic is the topic every consumer subscribes to.
const SubscriptionTopic = "OSG_CE"

var serverPattern = regexp.MustCompile(`^(.*)\[(.*)\]$`)

// ParseServers parses "uri[DIALECT], uri[DIALECT], ...". The literal
// "ignore" (any case) yields no subscriptions. A malformed entry fails the
// whole value. Order of first appearance is kept; a repeated URI takes the
// later dialect.
func ParseServers(spec string) ([]Subscription, error) {
	if strings.EqualFold(strings.TrimSpace(spec), "ignore") {
		return []Subscription{}, nil
	}

	var subs []Subscription
	index := make(map[string]int)
	for _, entry := range strings.Split(spec, ",") {
		m := serverPattern.FindStringSubmatch(strings.TrimSpace(entry))
		if m == nil {
			return nil, engine.NewSettingError(fmt.Sprintf("invalid subscription: %s", entry), nil)
		}
		uri := strings.TrimSpace(m[1])
		dialect := Dialect(strings.TrimSpace(m[2]))
		if i, ok := index[uri]; ok {
			subs[i].Dialect = dialect
			continue
		}
		index[uri] = len(subs)
		subs = append(subs, Subscription{URI: uri, Dialect: dialect})
	}
	return subs, nil
}

// CheckSubscription returns every problem with sub: the URI must have a host
// that resolves and the dialect must be known.
func CheckSubscription(ctx context.Context, r validation.Resolver, sub Subscription) []string {
	var problems []string
	host := validation.URIHost(sub.URI)
	if host == "" {
		problems = append(problems, fmt.Sprintf("Subscription must be a uri, got %s", sub.URI))
	} else if !validation.HostResolves(ctx, r, host) {
		problems = append(problems, fmt.Sprintf("Host in subscription does not resolve: %s", host))
	}
	if !sub.Dialect.Valid() {
		problems = append(problems, fmt.Sprintf("Dialect for subscription %s is not valid: %s", sub.URI, sub.Dialect))
	}
	return problems
}

// ConsumerOutcome is the result of InstallConsumer.
type ConsumerOutcome int

const (
	// ConsumerInstalled means the subscription record was added.
	ConsumerInstalled ConsumerOutcome = iota
	// ConsumerExists means an identical subscription was already present and
	// the document was not touched.
	ConsumerExists
)

func (o ConsumerOutcome) String() string {
	if o == ConsumerExists {
		return "exists"
	}
	return "installed"
}

var slugUnsafe = regexp.MustCompile(`[^\w\-]`)

// SubscriptionID is the record id for a (host, topic, dialect) consumer.
func SubscriptionID(host, topic string, dialect Dialect) string {
	return slugUnsafe.ReplaceAllString(fmt.Sprintf("subscription-%s-%s-%s", host, topic, dialect), "_")
}

func isRAW(d Dialect) bool {
	return strings.EqualFold(string(d), string(DialectRAW))
}

// subscriptionRecordFor builds the record for a consumer. RAW gets an empty
// policy body, which the consumer-side parser needs to avoid truncating
// output.
func subscriptionRecordFor(host, topic string, dialect Dialect) subscriptionRecord {
	rec := subscriptionRecord{
		ID:      SubscriptionID(host, topic, dialect),
		URI:     host,
		Topic:   topic,
		Dialect: string(dialect),
		Rate:    600,
	}
	switch {
	case isRAW(dialect):
		rec.Rate = 300
	case dialect == DialectLDIF:
		rec.Query = "true"
	default:
		rec.Query = "GlueCEStateWaitingJobs<2"
	}
	return rec
}

// InstallConsumer adds a subscription record for (host, topic, dialect) to the
// monitor configuration at path, before its closing </service> element.
func InstallConsumer(w *fileutil.Writer, path, host, topic string, dialect Dialect) (ConsumerOutcome, error) {
	raw, err := w.ReadFile(path)
	if err != nil {
		return ConsumerInstalled, engine.NewConfigureError("error reading monitor configuration "+path, err)
	}
	contents := string(raw)

	rec := subscriptionRecordFor(host, topic, dialect)
	if strings.Contains(contents, fmt.Sprintf(`id="%s"`, rec.ID)) {
		return ConsumerExists, nil
	}

	idx := strings.Index(contents, "</service>")
	if idx < 0 {
		return ConsumerInstalled, engine.NewConfigureError("no </service> element in "+path, nil)
	}

	record, err := render("subscription", rec)
	if err != nil {
		return ConsumerInstalled, engine.NewConfigureError("failed to render subscription", err)
	}

	updated := contents[:idx] + string(record) + contents[idx:]
	if _, err := w.WriteFile(path, []byte(updated), fileutil.WithMode(fileutil.DefaultMode)); err != nil {
		return ConsumerInstalled, engine.NewConfigureError("error updating monitor configuration "+path, err)
	}
	return ConsumerInstalled, nil
}

// SubscribedURLs returns the monitorConsumerURL of every <subscription>
// element in the document. Elements found before a parse error are still
// returned along with the error.
func SubscribedURLs(r io.Reader) (map[string]bool, error) {
	found := make(map[string]bool)
	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return found, nil
		}
		if err != nil {
			return found, fmt.Errorf("failed to scan subscriptions: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "subscription" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "monitorConsumerURL" {
				found[attr.Value] = true
			}
		}
	}
}
