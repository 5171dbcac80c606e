package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"
)

// defaultExchangeName stands for the broker's nameless default exchange
const defaultExchangeName = "default"

// PublicationAddress is a parsed recipient of the form type://exchange/routing-key
type PublicationAddress struct {
	ExchangeType string
	Exchange     string
	RoutingKey   string
}

// ParseAddress parses a recipient address. An exchange of "default" or an
// empty host means the default exchange.
func ParseAddress(raw string) (PublicationAddress, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return PublicationAddress{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	if u.Scheme == "" {
		return PublicationAddress{}, fmt.Errorf("%w: %q has no exchange type", ErrInvalidAddress, raw)
	}

	exchange := u.Host
	if strings.EqualFold(exchange, defaultExchangeName) {
		exchange = ""
	}

	return PublicationAddress{
		ExchangeType: u.Scheme,
		Exchange:     exchange,
		RoutingKey:   strings.TrimPrefix(u.Path, "/"),
	}, nil
}

func (a PublicationAddress) String() string {
	exchange := a.Exchange
	if exchange == "" {
		exchange = defaultExchangeName
	}
	return fmt.Sprintf("%s://%s/%s", a.ExchangeType, exchange, a.RoutingKey)
}
