// Package discovery announces and finds conduit services via mDNS.
//
// Servers publish a "_conduit._tcp" service with an Announcer; clients
// locate peers on the local network with a Browser. Browse results
// aggregate addresses across interfaces, so one service instance is
// reported once even when it is reachable over several links.
package discovery
