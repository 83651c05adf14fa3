package kernel

// Tuple is a generic two-value pair, used throughout the kernel wherever a function needs to
// return or carry two related values without declaring a one-off struct.
type Tuple[TFirst, TSecond any] struct {
	First  TFirst
	Second TSecond
}

// KeyValuePair is a generic key/value pair.
type KeyValuePair[TKey, TValue any] struct {
	Key   TKey
	Value TValue
}
