// Package redisoracle is a match.Oracle backed by Redis. Spot prices are read
// from a hash maintained by the price feeders; trade reports are written to a
// per-market hash and announced on a channel.
package redisoracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	match "github.com/0x5487/margin-engine"
)

var ErrPriceNotFound = errors.New("redisoracle: price not found")

const (
	DefaultSpotKey      = "oracle:spot"
	DefaultTradeKey     = "oracle:trade:"
	DefaultTradeChannel = "oracle:trades"
)

// Client is the subset of redis.Cmdable the oracle uses.
type Client interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Config struct {
	Addr     string `env:"ADDRESS" envDefault:"localhost:6379"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`

	SpotKey      string `env:"SPOT_KEY" envDefault:"oracle:spot"`
	TradeKey     string `env:"TRADE_KEY" envDefault:"oracle:trade:"`
	TradeChannel string `env:"TRADE_CHANNEL" envDefault:"oracle:trades"`
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

type Oracle struct {
	client       Client
	spotKey      string
	tradeKey     string
	tradeChannel string
}

func New(client Client, cfg Config) *Oracle {
	o := &Oracle{
		client:       client,
		spotKey:      cfg.SpotKey,
		tradeKey:     cfg.TradeKey,
		tradeChannel: cfg.TradeChannel,
	}
	if o.spotKey == "" {
		o.spotKey = DefaultSpotKey
	}
	if o.tradeKey == "" {
		o.tradeKey = DefaultTradeKey
	}
	if o.tradeChannel == "" {
		o.tradeChannel = DefaultTradeChannel
	}
	return o
}

// SpotPrice returns the asset's USD price scaled by 10^match.OracleDecimals.
func (o *Oracle) SpotPrice(ctx context.Context, asset match.Asset) (decimal.Decimal, error) {
	val, err := o.client.HGet(ctx, o.spotKey, string(asset)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceNotFound, asset)
	}
	if err != nil {
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redisoracle: spot price of %s: %w", asset, err)
	}
	return price, nil
}

// SetSpotPrice stores a feeder price.
func (o *Oracle) SetSpotPrice(ctx context.Context, asset match.Asset, price decimal.Decimal) error {
	return o.client.HSet(ctx, o.spotKey, string(asset), price.String()).Err()
}

// ReportTradePrice stores the market's last trade and publishes the report.
func (o *Oracle) ReportTradePrice(ctx context.Context, report match.PriceReport) error {
	err := o.client.HSet(ctx, o.tradeKey+report.MarketID,
		"base", string(report.Base),
		"price", report.Price.String(),
		"volume", report.Volume.String(),
		"trade_id", strconv.FormatUint(report.TradeID, 10),
		"timestamp", strconv.FormatInt(report.Timestamp, 10),
	).Err()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return o.client.Publish(ctx, o.tradeChannel, payload).Err()
}

// LastTradePrice returns the last reported price of a market.
func (o *Oracle) LastTradePrice(ctx context.Context, marketID string) (decimal.Decimal, error) {
	val, err := o.client.HGet(ctx, o.tradeKey+marketID, "price").Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceNotFound, marketID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(val)
}
