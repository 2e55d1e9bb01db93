package metrics

import (
	"context"
	"io"
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
)

// InstrumentedDriver wraps a StorageDriver and records every call.
type InstrumentedDriver struct {
	interfaces.StorageDriver
	m *StorageMetrics
}

// InstrumentDriver returns d unchanged when m is nil.
func InstrumentDriver(d interfaces.StorageDriver, m *StorageMetrics) interfaces.StorageDriver {
	if m == nil {
		return d
	}
	return &InstrumentedDriver{StorageDriver: d, m: m}
}

func (d *InstrumentedDriver) observe(tier interfaces.Tier, op string, start time.Time, err error) {
	d.m.ObserveDriverOp(d.Name(), string(tier), op, start, err)
}

func (d *InstrumentedDriver) PutObject(ctx context.Context, hash interfaces.ContentHash, r io.Reader, tier interfaces.Tier, opts *interfaces.PutOptions) error {
	start := time.Now()
	err := d.StorageDriver.PutObject(ctx, hash, r, tier, opts)
	d.observe(tier, "put", start, err)
	return err
}

func (d *InstrumentedDriver) GetObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	start := time.Now()
	r, err := d.StorageDriver.GetObject(ctx, hash, tier, rng)
	d.observe(tier, "get", start, err)
	return r, err
}

func (d *InstrumentedDriver) HeadObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) (*interfaces.ObjectMetadata, error) {
	start := time.Now()
	meta, err := d.StorageDriver.HeadObject(ctx, hash, tier)
	d.observe(tier, "head", start, err)
	return meta, err
}

func (d *InstrumentedDriver) DeleteObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) error {
	start := time.Now()
	err := d.StorageDriver.DeleteObject(ctx, hash, tier)
	d.observe(tier, "delete", start, err)
	return err
}

func (d *InstrumentedDriver) ObjectExists(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) (bool, error) {
	start := time.Now()
	ok, err := d.StorageDriver.ObjectExists(ctx, hash, tier)
	d.observe(tier, "exists", start, err)
	return ok, err
}

func (d *InstrumentedDriver) ListObjects(ctx context.Context, tier interfaces.Tier, prefix string, maxKeys int) ([]interfaces.StorageObject, error) {
	start := time.Now()
	objs, err := d.StorageDriver.ListObjects(ctx, tier, prefix, maxKeys)
	d.observe(tier, "list", start, err)
	return objs, err
}

func (d *InstrumentedDriver) MoveObject(ctx context.Context, hash interfaces.ContentHash, from, to interfaces.Tier) error {
	start := time.Now()
	err := d.StorageDriver.MoveObject(ctx, hash, from, to)
	d.observe(from, "move", start, err)
	return err
}
