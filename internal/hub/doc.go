// Package hub provides the realtime update machinery for wallet-addressed
// tenants.
//
// The package implements:
//   - Conn: one live WebSocket connection owned by a single wallet
//   - Hub: the wallet address -> connection set registry with fan-out
//   - Handler: the authenticated handshake plus read/write pumps
//   - Router: the publish boundary the conversation engine calls into
//
// Key behaviors:
//   - The handshake verifies the same wallet-signature proof as the HTTP
//     API, carried in query parameters; a rejected proof never registers
//     a connection.
//   - Events for one wallet are delivered FIFO to each of its connections
//     and are never observed by another wallet's connections.
//   - A slow connection is torn down individually; it cannot stall the
//     wallet's other connections or other wallets.
//   - Publishing to a wallet with no live connections drops the event; the
//     hub never buffers for offline wallets.
package hub
