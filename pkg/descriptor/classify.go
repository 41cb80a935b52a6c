package descriptor

// Batch is the annotated run output. Staked and UsedCover share pointers with All.
type Batch struct {
	All       []*Descriptor
	Staked    []*Descriptor
	UsedCover []*Descriptor
}

// Classify tags descriptors with a positive stake or used cover. A descriptor may land in both subsets.
func Classify(all []*Descriptor) Batch {
	b := Batch{
		All:       all,
		Staked:    make([]*Descriptor, 0),
		UsedCover: make([]*Descriptor, 0),
	}
	for _, d := range all {
		if d.TotalStakedETH.IsPositive() {
			b.Staked = append(b.Staked, d)
		}
		if d.TotalUsedETH.IsPositive() {
			b.UsedCover = append(b.UsedCover, d)
		}
	}
	return b
}
