package wire

// Reducer folds a PartialUpdate delta into the current value of an
// element, producing the value a consumer observes.
// A reducer runs once per PartialUpdate, in the writer's history at
// publish time (history.WriterHistory.Publish); readers and late-join
// replay receive the already-reduced value and never call it.
type Reducer func(current interface{}, delta interface{}) interface{}
