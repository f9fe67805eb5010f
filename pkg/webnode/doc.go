// Package webnode provides the interface for a running gateway node.
//
// A node owns one route table and one event bus and assembles the inbound
// gateway around them:
//   - an HTTP listener translating requests into environments
//   - the gateway Application dispatching "<channel>:request" events
//   - the Dispatcher resolving paths to "/scope:event" channels
//   - optional auth guard, login handler, metrics and access log
//   - mounted remote applications
//
// Applications embed a node and bind their own handlers:
//
//	node, err := webnode.New(cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer node.Close()
//
//	_, err = node.Bind(ctx, "/hello:index", "hello", func(ctx context.Context, ev *web.Event) (any, error) {
//		return "Hello World!", nil
//	})
//
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
package webnode
