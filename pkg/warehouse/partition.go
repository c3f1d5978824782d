package warehouse

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Partitioner maps a row of identifying values to a part index. The index
// is reduced modulo the number of parts, so any int is valid.
type Partitioner func(vals Row) int

// hashPartition sums a hash of every value. The dimension default.
func hashPartition(vals Row) int {
	sum := 0
	for _, v := range vals {
		sum += hashValue(v)
	}
	return sum
}

// sumPartition sums the values themselves, hashing any that are not
// integers. The fact table default, where the values are surrogate keys.
func sumPartition(vals Row) int {
	sum := 0
	for _, v := range vals {
		if n, ok := Int(v); ok {
			sum += int(n)
		} else {
			sum += hashValue(v)
		}
	}
	return sum
}

func hashValue(v any) int {
	h := fnv.New64a()
	h.Write(encodeTuple([]any{v}))
	return int(h.Sum64())
}

// DimensionPartitionerConfig configures partitioning over several
// dimension parts.
type DimensionPartitionerConfig struct {
	// Parts are the dimensions partitioned over. They must share lookup
	// attributes and key. The parts register with the session themselves;
	// the partitioner does not.
	Parts []DimensionPart
	// GetByValsFromAll answers GetByVals from every part instead of only
	// the first. Use it when the parts hold disjoint members in separate
	// physical tables.
	GetByValsFromAll bool
	// Partitioner picks the part for a row of lookup attribute values.
	// Defaults to summing a hash of each value.
	Partitioner Partitioner
}

func (c *DimensionPartitionerConfig) Validate() error {
	if len(c.Parts) == 0 {
		return fmt.Errorf("%w: at least one part is required", ErrConfig)
	}
	lookupAtts := c.Parts[0].LookupAttNames()
	key := c.Parts[0].KeyName()
	for _, p := range c.Parts[1:] {
		if !sameAtts(p.LookupAttNames(), lookupAtts) {
			return fmt.Errorf("%w: the parts use different lookup attributes", ErrConfig)
		}
		if p.KeyName() != key {
			return fmt.Errorf("%w: the parts use different keys", ErrConfig)
		}
	}
	if c.Partitioner == nil {
		c.Partitioner = hashPartition
	}
	return nil
}

// DimensionPartitioner offers the dimension interface while spreading the
// work over several parts. Each call is routed to the part the partitioner
// function picks from the row's lookup attribute values, so the same
// member always lands on the same part. The parts can write to one
// physical table or to separate ones.
type DimensionPartitioner struct {
	cfg        *DimensionPartitionerConfig
	parts      []DimensionPart
	lookupAtts []string
	key        string
}

func NewDimensionPartitioner(cfg *DimensionPartitionerConfig) (*DimensionPartitioner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &DimensionPartitioner{
		cfg:        cfg,
		parts:      append([]DimensionPart{}, cfg.Parts...),
		lookupAtts: cfg.Parts[0].LookupAttNames(),
		key:        cfg.Parts[0].KeyName(),
	}, nil
}

func (p *DimensionPartitioner) KeyName() string { return p.key }

func (p *DimensionPartitioner) LookupAttNames() []string {
	out := make([]string, len(p.lookupAtts))
	copy(out, p.lookupAtts)
	return out
}

// Parts returns the current parts.
func (p *DimensionPartitioner) Parts() []DimensionPart {
	return append([]DimensionPart{}, p.parts...)
}

// AddPart adds a part. It must use the same lookup attributes and key as
// the existing parts.
func (p *DimensionPartitioner) AddPart(part DimensionPart) {
	p.parts = append(p.parts, part)
}

// DropPart removes the given part, or the most recently added one when
// given nil.
func (p *DimensionPartitioner) DropPart(part DimensionPart) {
	p.parts = dropPart(p.parts, part)
}

// GetPart returns the part that handles the given row.
func (p *DimensionPartitioner) GetPart(row Row, nm NameMapping) (DimensionPart, error) {
	vals, err := partitionVals(row, nm, p.lookupAtts)
	if err != nil {
		return nil, err
	}
	i, err := partIndex(p.cfg.Partitioner, vals, len(p.parts))
	if err != nil {
		return nil, err
	}
	return p.parts[i], nil
}

func (p *DimensionPartitioner) Lookup(ctx context.Context, row Row, nm NameMapping) (any, error) {
	part, err := p.GetPart(row, nm)
	if err != nil {
		return nil, err
	}
	return part.Lookup(ctx, row, nm)
}

func (p *DimensionPartitioner) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	part, err := p.GetPart(row, nm)
	if err != nil {
		return nil, err
	}
	return part.Ensure(ctx, row, nm)
}

func (p *DimensionPartitioner) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	part, err := p.GetPart(row, nm)
	if err != nil {
		return nil, err
	}
	return part.Insert(ctx, row, nm)
}

// SCDEnsure routes to the relevant part, which must support versioned
// loads.
func (p *DimensionPartitioner) SCDEnsure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	part, err := p.GetPart(row, nm)
	if err != nil {
		return nil, err
	}
	scd, ok := part.(SCDEnsurer)
	if !ok {
		return nil, fmt.Errorf("%w: the part %s does not support versioned loads", ErrConfig, part.Name())
	}
	return scd.SCDEnsure(ctx, row, nm)
}

// GetByKey asks each part in turn and returns the first existing member.
// When no part has the key, a row of nils is returned.
func (p *DimensionPartitioner) GetByKey(ctx context.Context, key any) (Row, error) {
	row, _, err := p.getByKey(ctx, key)
	return row, err
}

func (p *DimensionPartitioner) getByKey(ctx context.Context, key any) (Row, DimensionPart, error) {
	var row Row
	for _, part := range p.parts {
		var err error
		row, err = part.GetByKey(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if row[p.key] != nil {
			return row, part, nil
		}
	}
	return row, nil, nil
}

// GetByVals queries the first part, or every part when GetByValsFromAll is
// set.
func (p *DimensionPartitioner) GetByVals(ctx context.Context, vals Row, nm NameMapping) ([]Row, error) {
	if !p.cfg.GetByValsFromAll {
		return p.parts[0].GetByVals(ctx, vals, nm)
	}
	var out []Row
	for _, part := range p.parts {
		rows, err := part.GetByVals(ctx, vals, nm)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Update finds the part holding the row's key and updates there. Nothing
// happens when no part has the member.
func (p *DimensionPartitioner) Update(ctx context.Context, row Row, nm NameMapping) error {
	key, ok := GetValue(row, nm, p.key)
	if !ok {
		return fmt.Errorf("%w: key value is missing", ErrData)
	}
	_, part, err := p.getByKey(ctx, key)
	if err != nil {
		return err
	}
	if part == nil {
		return nil
	}
	return part.Update(ctx, row, nm)
}

// EndLoad finalizes every part. The parts are registered with the session
// individually, so this is only needed when the partitioner's parts are
// managed by hand.
func (p *DimensionPartitioner) EndLoad(ctx context.Context) error {
	for _, part := range p.parts {
		if err := part.EndLoad(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FactPart is what fact table partitioning needs from a part. FactTable
// and BatchFactTable implement it; bulk loaded fact tables do not support
// Lookup and cannot take part.
type FactPart interface {
	Name() string
	KeyRefNames() []string
	MeasureNames() []string

	Insert(ctx context.Context, row Row, nm NameMapping) error
	Lookup(ctx context.Context, keyVals Row, nm NameMapping) (Row, error)
	Ensure(ctx context.Context, row Row, compare bool, nm NameMapping) (bool, error)
	EndLoad(ctx context.Context) error
}

// FactTablePartitionerConfig configures partitioning over several fact
// table parts.
type FactTablePartitionerConfig struct {
	// Parts are the fact tables partitioned over. They must share key
	// references and measures. The parts register with the session
	// themselves; the partitioner does not.
	Parts []FactPart
	// Partitioner picks the part for a row of key reference values.
	// Defaults to summing the values, with a hash for values that are not
	// integers.
	Partitioner Partitioner
}

func (c *FactTablePartitionerConfig) Validate() error {
	if len(c.Parts) == 0 {
		return fmt.Errorf("%w: at least one part is required", ErrConfig)
	}
	keyRefs := c.Parts[0].KeyRefNames()
	measures := c.Parts[0].MeasureNames()
	for _, p := range c.Parts[1:] {
		if !sameAtts(p.KeyRefNames(), keyRefs) || !sameAtts(p.MeasureNames(), measures) {
			return fmt.Errorf("%w: the parts use different key references or measures", ErrConfig)
		}
	}
	if c.Partitioner == nil {
		c.Partitioner = sumPartition
	}
	return nil
}

// FactTablePartitioner offers the fact table interface while spreading the
// work over several parts, routed by the row's key reference values.
type FactTablePartitioner struct {
	cfg     *FactTablePartitionerConfig
	parts   []FactPart
	keyRefs []string
}

func NewFactTablePartitioner(cfg *FactTablePartitionerConfig) (*FactTablePartitioner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &FactTablePartitioner{
		cfg:     cfg,
		parts:   append([]FactPart{}, cfg.Parts...),
		keyRefs: cfg.Parts[0].KeyRefNames(),
	}, nil
}

func (p *FactTablePartitioner) KeyRefNames() []string {
	out := make([]string, len(p.keyRefs))
	copy(out, p.keyRefs)
	return out
}

// Parts returns the current parts.
func (p *FactTablePartitioner) Parts() []FactPart {
	return append([]FactPart{}, p.parts...)
}

// AddPart adds a part. It must use the same key references and measures as
// the existing parts.
func (p *FactTablePartitioner) AddPart(part FactPart) {
	p.parts = append(p.parts, part)
}

// DropPart removes the given part, or the most recently added one when
// given nil.
func (p *FactTablePartitioner) DropPart(part FactPart) {
	p.parts = dropPart(p.parts, part)
}

// GetPart returns the part that handles the given row.
func (p *FactTablePartitioner) GetPart(row Row, nm NameMapping) (FactPart, error) {
	vals, err := partitionVals(row, nm, p.keyRefs)
	if err != nil {
		return nil, err
	}
	i, err := partIndex(p.cfg.Partitioner, vals, len(p.parts))
	if err != nil {
		return nil, err
	}
	return p.parts[i], nil
}

func (p *FactTablePartitioner) Insert(ctx context.Context, row Row, nm NameMapping) error {
	part, err := p.GetPart(row, nm)
	if err != nil {
		return err
	}
	return part.Insert(ctx, row, nm)
}

func (p *FactTablePartitioner) Lookup(ctx context.Context, keyVals Row, nm NameMapping) (Row, error) {
	part, err := p.GetPart(keyVals, nm)
	if err != nil {
		return nil, err
	}
	return part.Lookup(ctx, keyVals, nm)
}

func (p *FactTablePartitioner) Ensure(ctx context.Context, row Row, compare bool, nm NameMapping) (bool, error) {
	part, err := p.GetPart(row, nm)
	if err != nil {
		return false, err
	}
	return part.Ensure(ctx, row, compare, nm)
}

// EndLoad finalizes every part. The parts are registered with the session
// individually, so this is only needed when the partitioner's parts are
// managed by hand.
func (p *FactTablePartitioner) EndLoad(ctx context.Context) error {
	for _, part := range p.parts {
		if err := part.EndLoad(ctx); err != nil {
			return err
		}
	}
	return nil
}

// partitionVals collects the identifying values the partitioner function
// sees.
func partitionVals(row Row, nm NameMapping, atts []string) (Row, error) {
	vals := make(Row, len(atts))
	for _, att := range atts {
		v, ok := GetValue(row, nm, att)
		if !ok {
			return nil, fmt.Errorf("%w: attribute %q is missing", ErrData, att)
		}
		vals[att] = v
	}
	return vals, nil
}

func partIndex(partition Partitioner, vals Row, parts int) (int, error) {
	if parts == 0 {
		return 0, fmt.Errorf("%w: the partitioner has no parts", ErrConfig)
	}
	i := partition(vals) % parts
	if i < 0 {
		i += parts
	}
	return i, nil
}

func dropPart[P comparable](parts []P, part P) []P {
	var zero P
	if part == zero {
		if len(parts) > 0 {
			return parts[:len(parts)-1]
		}
		return parts
	}
	for i, existing := range parts {
		if existing == part {
			return append(parts[:i], parts[i+1:]...)
		}
	}
	return parts
}
