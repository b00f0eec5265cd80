package subscription

import (
	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-publish-engine/internal/notification"
)

func wrapExtensionObject(encodingTypeID uint32, value interface{}) *ua.ExtensionObject {
	return &ua.ExtensionObject{
		TypeID: &ua.ExpandedNodeID{
			NodeID: ua.NewNumericNodeID(0, encodingTypeID),
		},
		Value: value,
	}
}

func dataChangeNotificationObject(items []notification.Notification) *ua.ExtensionObject {
	monItems := make([]*ua.MonitoredItemNotification, len(items))
	for i, n := range items {
		monItems[i] = &ua.MonitoredItemNotification{
			ClientHandle: n.ClientHandle,
			Value:        n.Value,
		}
	}
	dcn := &ua.DataChangeNotification{MonitoredItems: monItems}
	return wrapExtensionObject(uint32(ua.DataChangeNotification_Encoding_DefaultBinary), dcn)
}

func statusChangeNotificationObject(status ua.StatusCode) *ua.ExtensionObject {
	scn := &ua.StatusChangeNotification{Status: status}
	return wrapExtensionObject(uint32(ua.StatusChangeNotification_Encoding_DefaultBinary), scn)
}
