package wire

const seqSpace = uint64(1) << 32

// ExtendSeq は、ワイヤ上の32bitシーケンス番号を64bitに拡張します。
//
// refに最も近い値を返却します。refには、受信側で既知の直近のシーケンス番号を指定します。
func ExtendSeq(ref uint64, v uint32) uint64 {
	candidate := ref&^(seqSpace-1) | uint64(v)
	switch {
	case candidate > ref && candidate-ref > seqSpace/2 && candidate >= seqSpace:
		return candidate - seqSpace
	case candidate < ref && ref-candidate > seqSpace/2:
		return candidate + seqSpace
	}
	return candidate
}
