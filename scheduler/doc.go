// Package scheduler は、論理ストリームのチャンクをどのフローパスで送信するかを決定するセレクタを提供します。
//
// # Selector インターフェース
//
// Selector は、送信可能なフローパスの候補から1つを選択します:
//
//	type Selector interface {
//	    Select(cands []Candidate, size int) (FlowpathID, bool)
//	}
//
// 候補は常にフローパスIDの昇順で渡され、アクティブかつ切断中でないフローパスのみを含みます。
// 候補が空の場合、セレクタはfalseを返却し、呼び出し側はフローパスが利用可能になるまで待機します。
//
// 提供されている実装:
//   - RoundRobinSelector: 直前に選択したIDの次のフローパスを順番に選択
//   - UniformSelector: 候補数を法とするカウンタで選択
//   - OutstandingRatioSelector: 未確認応答バイト数と相手の受信済みバイト数の比が最小のフローパスを選択
//   - RTTWeightedSelector: RTTまたは相手の受信量に比例したクレジットで選択
//   - DuplicateSelector: すべてのフローパスへ同じチャンクを送信（MultiSelector）
//   - FeedbackSelector: 確認応答の遅延の指数移動平均で選択
//   - EventSelector: 外部イベントで指定されたフローパスに固定
//
// # フィードバック
//
// AckObserver を実装するセレクタには、DATA_ACK_REP を受信するたびに InformAck が呼び出されます。
// SendObserver を実装するセレクタには、DATAをキューに積むたびに InformSent が呼び出されます。
//
// # 使用例
//
//	sel := scheduler.NewRTTWeightedSelector(64)
//	conn, err := msocket.Dial(ctx, addrs, msocket.WithSelector(sel))
package scheduler
